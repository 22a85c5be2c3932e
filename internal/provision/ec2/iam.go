package ec2

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

const (
	ssmPolicyARN = "arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore"

	assumeRolePolicy = `{
  "Version": "2012-10-17",
  "Statement": [{
    "Effect": "Allow",
    "Principal": {"Service": "ec2.amazonaws.com"},
    "Action": "sts:AssumeRole"
  }]
}`
)

func ssmProfileName(endpoint string) string { return endpoint + "-ssm" }

func isNoSuchEntity(err error) bool {
	var nse *iamtypes.NoSuchEntityException
	return errors.As(err, &nse)
}

func isEntityExists(err error) bool {
	var eae *iamtypes.EntityAlreadyExistsException
	return errors.As(err, &eae)
}

// ensureSSMProfile creates a role granting Session Manager access and an
// instance profile of the same name holding it.
func (p *Provider) ensureSSMProfile(ctx context.Context, endpoint string) (string, error) {
	name := ssmProfileName(endpoint)

	if _, err := p.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)}); err != nil {
		if !isNoSuchEntity(err) {
			return "", fmt.Errorf("reading role %s: %w", name, err)
		}
		_, err := p.iam.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(name),
			AssumeRolePolicyDocument: aws.String(assumeRolePolicy),
			Tags: []iamtypes.Tag{
				{Key: aws.String(TopologyTag), Value: aws.String(p.topology)},
			},
		})
		if err != nil && !isEntityExists(err) {
			return "", fmt.Errorf("creating role %s: %w", name, err)
		}
	}
	if _, err := p.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(name),
		PolicyArn: aws.String(ssmPolicyARN),
	}); err != nil {
		return "", fmt.Errorf("attaching policy to %s: %w", name, err)
	}

	profile, err := p.iam.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)})
	switch {
	case err == nil:
		for _, r := range profile.InstanceProfile.Roles {
			if aws.ToString(r.RoleName) == name {
				return name, nil
			}
		}
	case isNoSuchEntity(err):
		if _, err := p.iam.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
			InstanceProfileName: aws.String(name),
		}); err != nil && !isEntityExists(err) {
			return "", fmt.Errorf("creating instance profile %s: %w", name, err)
		}
	default:
		return "", fmt.Errorf("reading instance profile %s: %w", name, err)
	}

	if _, err := p.iam.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: aws.String(name),
		RoleName:            aws.String(name),
	}); err != nil {
		return "", fmt.Errorf("adding role to instance profile %s: %w", name, err)
	}
	p.log.WithField("profile", name).Debug("instance profile ready")
	return name, nil
}

func (p *Provider) deleteSSMProfile(ctx context.Context, endpoint string) error {
	name := ssmProfileName(endpoint)
	steps := []func() error{
		func() error {
			_, err := p.iam.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
				InstanceProfileName: aws.String(name), RoleName: aws.String(name),
			})
			return err
		},
		func() error {
			_, err := p.iam.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: aws.String(name)})
			return err
		},
		func() error {
			_, err := p.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
				RoleName: aws.String(name), PolicyArn: aws.String(ssmPolicyARN),
			})
			return err
		},
		func() error {
			_, err := p.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil && !isNoSuchEntity(err) {
			return fmt.Errorf("removing instance profile %s: %w", name, err)
		}
	}
	return nil
}
