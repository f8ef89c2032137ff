package cloud

import (
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Service name the API gateway expects in SigV4 signatures.
const apiGatewayService = "execute-api"

// Credentials are the temporary signed-request credentials returned by the
// credential exchange, bound to the host and region they sign for.
type Credentials struct {
	AccessKeyID  string
	SecretKey    string
	SessionToken string
	Host         string
	Region       string
	Service      string
}

// AWS converts the credentials to the SDK representation used by the signer.
func (c Credentials) AWS() aws.Credentials {
	return aws.Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretKey,
		SessionToken:    c.SessionToken,
		Source:          "irbt-login",
	}
}

// DiscoveryInfo holds the service endpoints advertised by the discovery call.
type DiscoveryInfo struct {
	AuthBaseURL    string // httpBaseAuth: signed API gateway
	UnauthBaseURL  string // httpBase: login endpoints
	MQTTEndpoint   string // mqtt: AWS IoT data endpoint host
	TopicPrefix    string // irbtTopics: command topic prefix
	IdentityAPIKey string // gigya.api_key
	IdentityDomain string // gigya.datacenter_domain, may be empty
	Region         string // awsRegion
}

// host returns the host of the signed API gateway.
func (d DiscoveryInfo) host() (string, error) {
	u, err := url.Parse(d.AuthBaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: parse httpBaseAuth: %v", ErrDiscovery, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: httpBaseAuth %q has no host", ErrDiscovery, d.AuthBaseURL)
	}
	return u.Host, nil
}

// sessionState is swapped in as a whole after each successful login so that
// readers never observe discovery and credentials from different logins.
type sessionState struct {
	discovery   DiscoveryInfo
	credentials Credentials
}
