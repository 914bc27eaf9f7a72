// Package sts exchanges a tenant's delegated role for short-lived
// credentials used by the IaC run against the tenant account.
package sts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awssts "github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/modelplane/modelplane/internal/iac"
)

var (
	// ErrInvalidRole signals a role ARN that cannot be assumed at all.
	ErrInvalidRole = errors.New("role cannot be assumed")

	// ErrAssumeFailed signals a transient assume-role failure.
	ErrAssumeFailed = errors.New("assume role failed")
)

// roleAssumer is the slice of the STS API the broker needs.
type roleAssumer interface {
	AssumeRole(ctx context.Context, params *awssts.AssumeRoleInput, optFns ...func(*awssts.Options)) (*awssts.AssumeRoleOutput, error)
}

// Broker assumes tenant roles.
type Broker struct {
	api         roleAssumer
	sessionName string
	duration    time.Duration
}

// NewBroker builds a broker from the ambient AWS configuration chain.
func NewBroker(ctx context.Context, region string) (*Broker, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewBrokerWithAPI(awssts.NewFromConfig(cfg)), nil
}

// NewBrokerWithAPI wires a pre-built API, used by tests.
func NewBrokerWithAPI(api roleAssumer) *Broker {
	return &Broker{
		api:         api,
		sessionName: "modelplane-provisioner",
		duration:    time.Hour,
	}
}

// Assume exchanges roleARN for temporary credentials scoped to one
// provisioning run.
func (b *Broker) Assume(ctx context.Context, roleARN string) (iac.Credentials, error) {
	if !strings.HasPrefix(roleARN, "arn:aws:iam::") {
		return iac.Credentials{}, fmt.Errorf("%w: malformed ARN %q", ErrInvalidRole, roleARN)
	}

	out, err := b.api.AssumeRole(ctx, &awssts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(b.sessionName),
		DurationSeconds: aws.Int32(int32(b.duration.Seconds())),
	})
	if err != nil {
		if isAccessDenied(err) {
			return iac.Credentials{}, fmt.Errorf("%w: %s", ErrInvalidRole, roleARN)
		}
		return iac.Credentials{}, fmt.Errorf("%w: %v", ErrAssumeFailed, err)
	}
	if out.Credentials == nil {
		return iac.Credentials{}, fmt.Errorf("%w: empty credentials in response", ErrAssumeFailed)
	}

	return iac.Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
	}, nil
}

// ResolveRole verifies the role can be assumed, discarding the minted
// credentials. The submit path uses it to reject unknown roles before
// anything is persisted.
func (b *Broker) ResolveRole(ctx context.Context, roleARN string) error {
	_, err := b.Assume(ctx, roleARN)
	return err
}

func isAccessDenied(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "AccessDenied" || code == "AccessDeniedException"
	}
	return false
}
