package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
)

const apiGatewayService = "execute-api"

// RequestSigner authenticates an outgoing request. payload is the exact
// request body, nil for requests without one.
type RequestSigner interface {
	Sign(ctx context.Context, req *http.Request, payload []byte) error
}

// AWSSigner signs requests with SigV4 for an API Gateway deployment.
type AWSSigner struct {
	credentials aws.CredentialsProvider
	region      string
	service     string
	signer      *v4.Signer
	now         func() time.Time
}

// NewAWSSigner resolves credentials through the default provider chain
// (environment, shared config, instance role).
func NewAWSSigner(ctx context.Context, region string) (*AWSSigner, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required for request signing")
	}
	return NewAWSSignerWithCredentials(cfg.Credentials, cfg.Region), nil
}

func NewAWSSignerWithCredentials(credentials aws.CredentialsProvider, region string) *AWSSigner {
	return &AWSSigner{
		credentials: credentials,
		region:      region,
		service:     apiGatewayService,
		signer:      v4.NewSigner(),
		now:         time.Now,
	}
}

func (s *AWSSigner) Sign(ctx context.Context, req *http.Request, payload []byte) error {
	if s.credentials == nil {
		return fmt.Errorf("sign request: no aws credentials")
	}
	creds, err := s.credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve aws credentials: %w", err)
	}
	sum := sha256.Sum256(payload)
	return s.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), s.service, s.region, s.now())
}
