// Package netguard narrows remote access on a deployment's security
// group once provisioning traffic is done. The reconciler is best
// effort: serving traffic keeps flowing whether or not the narrowing
// succeeds.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"
)

const (
	sshPort  = 22
	openCIDR = "0.0.0.0/0"
)

// SecurityGroupAPI is the slice of the EC2 surface the reconciler
// needs.
type SecurityGroupAPI interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
}

// Reconciler replaces a security group's open SSH rule with per-address
// rules.
type Reconciler struct {
	api SecurityGroupAPI
	log logr.Logger
}

// New builds a Reconciler over the given EC2 API.
func New(api SecurityGroupAPI, log logr.Logger) *Reconciler {
	return &Reconciler{api: api, log: log}
}

// NewFromConfig builds a Reconciler from the ambient AWS configuration
// chain.
func NewFromConfig(ctx context.Context, region string, log logr.Logger) (*Reconciler, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return New(ec2.NewFromConfig(cfg), log), nil
}

// RestrictRemoteAccess revokes the 0.0.0.0/0 SSH rule on the group and
// authorizes one narrow SSH rule per valid address. Addresses that do
// not parse, and per-address authorize failures such as duplicates, are
// logged and skipped so one bad entry cannot abort the rest. An empty
// address list leaves SSH fully closed.
func (r *Reconciler) RestrictRemoteAccess(ctx context.Context, groupID string, addrs []string) error {
	out, err := r.api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []string{groupID},
	})
	if err != nil {
		if isGroupNotFound(err) {
			r.log.Info("security group not found, skipping access narrowing", "group", groupID)
			return nil
		}
		return fmt.Errorf("describe security group %s: %w", groupID, err)
	}
	if len(out.SecurityGroups) == 0 {
		r.log.Info("security group not found, skipping access narrowing", "group", groupID)
		return nil
	}

	if hasOpenSSH(out.SecurityGroups[0]) {
		if err := r.revokeOpenSSH(ctx, groupID); err != nil {
			return err
		}
	}

	authorized := 0
	for _, addr := range addrs {
		p, err := parseAddress(addr)
		if err != nil {
			r.log.Info("skipping unparseable allowed address", "group", groupID, "address", addr)
			continue
		}
		if err := r.authorizeSSH(ctx, groupID, p); err != nil {
			r.log.Info("skipping allowed address: authorize failed",
				"group", groupID, "address", p.String(), "reason", err.Error())
			continue
		}
		authorized++
	}
	r.log.Info("narrowed remote access", "group", groupID, "allowedAddresses", authorized)
	return nil
}

func (r *Reconciler) revokeOpenSSH(ctx context.Context, groupID string) error {
	_, err := r.api.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: []types.IpPermission{sshPermission(openCIDR)},
	})
	if err != nil && !isRuleNotFound(err) {
		return fmt.Errorf("revoke open SSH rule on %s: %w", groupID, err)
	}
	return nil
}

func (r *Reconciler) authorizeSSH(ctx context.Context, groupID string, p netip.Prefix) error {
	_, err := r.api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: []types.IpPermission{sshPermission(p.Masked().String())},
	})
	return err
}

func sshPermission(cidr string) types.IpPermission {
	return types.IpPermission{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(sshPort),
		ToPort:     aws.Int32(sshPort),
		IpRanges:   []types.IpRange{{CidrIp: aws.String(cidr)}},
	}
}

// hasOpenSSH reports whether the group still carries an SSH ingress
// rule open to all sources.
func hasOpenSSH(group types.SecurityGroup) bool {
	for _, perm := range group.IpPermissions {
		if aws.ToString(perm.IpProtocol) != "tcp" ||
			aws.ToInt32(perm.FromPort) != sshPort || aws.ToInt32(perm.ToPort) != sshPort {
			continue
		}
		for _, rng := range perm.IpRanges {
			if aws.ToString(rng.CidrIp) == openCIDR {
				return true
			}
		}
	}
	return false
}

func isGroupNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidGroup.NotFound"
}

func isRuleNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidPermission.NotFound"
}

// parseAddress accepts a bare IP or a CIDR prefix.
func parseAddress(addr string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(addr); err == nil {
		return p, nil
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(ip, ip.BitLen()), nil
}
