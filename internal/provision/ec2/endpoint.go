package ec2

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/retry"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/provision"
)

const (
	imageOwner   = "amazon"
	imagePattern = "al2023-ami-2023.*-x86_64"
)

func sgTag(name string) string  { return name + "-sg" }
func eipTag(name string) string { return name + "-eip" }

// CreateEndpoint launches the instance with its security group. Self-managed
// tunnel endpoints get an Elastic IP so their address survives the restart
// that applies the startup script.
func (p *Provider) CreateEndpoint(ctx context.Context, spec provision.EndpointSpec) (wetwire.Endpoint, error) {
	log := p.log.WithField("endpoint", spec.Name)

	inst, err := p.findInstance(ctx, spec.Name)
	if err != nil {
		return wetwire.Endpoint{}, err
	}
	if inst == nil {
		sgID, err := p.ensureSecurityGroup(ctx, spec)
		if err != nil {
			return wetwire.Endpoint{}, err
		}
		imageID := spec.ImageID
		if imageID == "" {
			if imageID, err = p.latestImage(ctx); err != nil {
				return wetwire.Endpoint{}, err
			}
		}
		var profile string
		if spec.SSMRole {
			if profile, err = p.ensureSSMProfile(ctx, spec.Name); err != nil {
				return wetwire.Endpoint{}, err
			}
		}
		if inst, err = p.runInstance(ctx, spec, sgID, imageID, profile); err != nil {
			return wetwire.Endpoint{}, err
		}
		log.WithField("id", aws.ToString(inst.InstanceId)).Info("instance launched")
	}
	id := aws.ToString(inst.InstanceId)

	if spec.Forwarding {
		if _, err := p.ec2.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
			InstanceId:      aws.String(id),
			SourceDestCheck: &types.AttributeBooleanValue{Value: aws.Bool(false)},
		}); err != nil {
			return wetwire.Endpoint{}, fmt.Errorf("disabling source/dest check on %s: %w", id, err)
		}
	}

	if spec.Role == wetwire.RoleSelfManagedTunnel {
		if err := ec2.NewInstanceRunningWaiter(p.ec2).Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, p.waitTimeout); err != nil {
			return wetwire.Endpoint{}, fmt.Errorf("waiting for %s to run: %w", id, err)
		}
		if err := p.ensureElasticIP(ctx, spec.Name, id); err != nil {
			return wetwire.Endpoint{}, err
		}
	}
	ep, err := p.DescribeEndpoint(ctx, id)
	if err != nil {
		return wetwire.Endpoint{}, err
	}
	ep.Role = spec.Role
	return ep, nil
}

// DescribeEndpoint returns the instance's current addresses.
func (p *Provider) DescribeEndpoint(ctx context.Context, id string) (wetwire.Endpoint, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return wetwire.Endpoint{}, fmt.Errorf("describing instance %s: %w", id, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			return endpointFromInstance(inst), nil
		}
	}
	return wetwire.Endpoint{}, fmt.Errorf("instance %s not found", id)
}

func endpointFromInstance(inst types.Instance) wetwire.Endpoint {
	return wetwire.Endpoint{
		ID:        aws.ToString(inst.InstanceId),
		Name:      tagValue(inst.Tags, "Name"),
		NetworkID: aws.ToString(inst.VpcId),
		PublicIP:  aws.ToString(inst.PublicIpAddress),
		PrivateIP: aws.ToString(inst.PrivateIpAddress),
	}
}

func (p *Provider) findInstance(ctx context.Context, name string) (*types.Instance, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: p.nameFilters(name, filter("instance-state-name", "pending", "running", "stopping", "stopped")),
	})
	if err != nil {
		return nil, fmt.Errorf("describing instance %s: %w", name, err)
	}
	for _, r := range out.Reservations {
		for i := range r.Instances {
			return &r.Instances[i], nil
		}
	}
	return nil, nil
}

func (p *Provider) runInstance(ctx context.Context, spec provision.EndpointSpec, sgID, imageID, profile string) (*types.Instance, error) {
	in := &ec2.RunInstancesInput{
		ImageId:           aws.String(imageID),
		InstanceType:      types.InstanceType(spec.InstanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		SubnetId:          aws.String(spec.SubnetID),
		SecurityGroupIds:  []string{sgID},
		TagSpecifications: p.tags(types.ResourceTypeInstance, spec.Name),
	}
	if spec.KeyName != "" {
		in.KeyName = aws.String(spec.KeyName)
	}
	if profile != "" {
		in.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(profile)}
	}

	var out *ec2.RunInstancesOutput
	// A fresh instance profile takes a while to become visible to EC2.
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			out, err = p.ec2.RunInstances(ctx, in)
			return err
		},
		IsFatalError: func(err error) bool {
			return !(isCode(err, "InvalidParameterValue") && strings.Contains(err.Error(), "IAM Instance Profile"))
		},
		NotifyFunc: func(err error, attempt int) {
			p.log.WithField("endpoint", spec.Name).WithField("attempt", attempt).Debug("instance profile not visible yet")
		},
		Attempts:    10,
		Delay:       p.retryDelay,
		BackoffFunc: retry.DoubleDelay,
		MaxDelay:    8 * p.retryDelay,
		Clock:       p.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", spec.Name, retry.LastError(err))
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("launching %s: no instance returned", spec.Name)
	}
	return &out.Instances[0], nil
}

func (p *Provider) latestImage(ctx context.Context) (string, error) {
	out, err := p.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{imageOwner},
		Filters: []types.Filter{
			filter("name", imagePattern),
			filter("state", "available"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("looking up image: %w", err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("no image matches %s", imagePattern)
	}
	images := out.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}

func (p *Provider) ensureSecurityGroup(ctx context.Context, spec provision.EndpointSpec) (string, error) {
	name := sgTag(spec.Name)
	found, err := p.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []types.Filter{filter("group-name", name), filter("vpc-id", spec.NetworkID)},
	})
	if err != nil {
		return "", fmt.Errorf("describing security group %s: %w", name, err)
	}
	var id string
	if len(found.SecurityGroups) > 0 {
		id = aws.ToString(found.SecurityGroups[0].GroupId)
	} else {
		created, err := p.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:         aws.String(name),
			Description:       aws.String("wetwire-vpn endpoint " + spec.Name),
			VpcId:             aws.String(spec.NetworkID),
			TagSpecifications: p.tags(types.ResourceTypeSecurityGroup, name),
		})
		if err != nil {
			return "", fmt.Errorf("creating security group %s: %w", name, err)
		}
		id = aws.ToString(created.GroupId)
	}

	for _, rule := range spec.Ingress {
		_, err := p.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(id),
			IpPermissions: []types.IpPermission{permission(rule)},
		})
		if err != nil && !isCode(err, "InvalidPermission.Duplicate") {
			return "", fmt.Errorf("authorizing %s %d-%d from %s: %w", rule.Protocol, rule.FromPort, rule.ToPort, rule.CIDR, err)
		}
	}
	return id, nil
}

func permission(rule provision.IngressRule) types.IpPermission {
	perm := types.IpPermission{
		IpProtocol: aws.String(rule.Protocol),
		IpRanges:   []types.IpRange{{CidrIp: aws.String(rule.CIDR)}},
	}
	if rule.Description != "" {
		perm.IpRanges[0].Description = aws.String(rule.Description)
	}
	if rule.Protocol != "-1" {
		perm.FromPort = aws.Int32(rule.FromPort)
		perm.ToPort = aws.Int32(rule.ToPort)
	}
	return perm
}

func (p *Provider) ensureElasticIP(ctx context.Context, name, instanceID string) error {
	tag := eipTag(name)
	found, err := p.ec2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{Filters: p.nameFilters(tag)})
	if err != nil {
		return fmt.Errorf("describing address %s: %w", tag, err)
	}
	var allocID string
	if len(found.Addresses) > 0 {
		addr := found.Addresses[0]
		if aws.ToString(addr.InstanceId) == instanceID {
			return nil
		}
		allocID = aws.ToString(addr.AllocationId)
	} else {
		created, err := p.ec2.AllocateAddress(ctx, &ec2.AllocateAddressInput{
			Domain:            types.DomainTypeVpc,
			TagSpecifications: p.tags(types.ResourceTypeElasticIp, tag),
		})
		if err != nil {
			return fmt.Errorf("allocating address %s: %w", tag, err)
		}
		allocID = aws.ToString(created.AllocationId)
	}
	if _, err := p.ec2.AssociateAddress(ctx, &ec2.AssociateAddressInput{
		AllocationId: aws.String(allocID),
		InstanceId:   aws.String(instanceID),
	}); err != nil {
		return fmt.Errorf("associating address %s: %w", tag, err)
	}
	return nil
}

// DeleteEndpoint terminates the instance and removes its address, security
// group and instance profile.
func (p *Provider) DeleteEndpoint(ctx context.Context, id string) error {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("describing instance %s: %w", id, err)
	}
	var inst *types.Instance
	for _, r := range out.Reservations {
		for i := range r.Instances {
			inst = &r.Instances[i]
		}
	}
	if inst == nil {
		return nil
	}
	name := tagValue(inst.Tags, "Name")

	if err := p.releaseElasticIP(ctx, name); err != nil {
		return err
	}
	if _, err := p.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}}); err != nil && !isNotFound(err) {
		return fmt.Errorf("terminating %s: %w", id, err)
	}
	if err := ec2.NewInstanceTerminatedWaiter(p.ec2).Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, p.waitTimeout); err != nil {
		return fmt.Errorf("waiting for %s to terminate: %w", id, err)
	}

	var errs []error
	for _, sg := range inst.SecurityGroups {
		if aws.ToString(sg.GroupName) != sgTag(name) {
			continue
		}
		if _, err := p.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: sg.GroupId}); err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("deleting security group %s: %w", aws.ToString(sg.GroupId), err))
		}
	}
	if inst.IamInstanceProfile != nil && strings.HasSuffix(aws.ToString(inst.IamInstanceProfile.Arn), "/"+ssmProfileName(name)) {
		if err := p.deleteSSMProfile(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) releaseElasticIP(ctx context.Context, name string) error {
	tag := eipTag(name)
	found, err := p.ec2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{Filters: p.nameFilters(tag)})
	if err != nil {
		return fmt.Errorf("describing address %s: %w", tag, err)
	}
	for _, addr := range found.Addresses {
		if addr.AssociationId != nil {
			if _, err := p.ec2.DisassociateAddress(ctx, &ec2.DisassociateAddressInput{AssociationId: addr.AssociationId}); err != nil && !isNotFound(err) {
				return fmt.Errorf("disassociating %s: %w", tag, err)
			}
		}
		if _, err := p.ec2.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: addr.AllocationId}); err != nil && !isNotFound(err) {
			return fmt.Errorf("releasing %s: %w", tag, err)
		}
	}
	return nil
}

// ApplyStartupScript installs script as user data that runs on every boot
// and restarts the instance so it takes effect.
func (p *Provider) ApplyStartupScript(ctx context.Context, endpointID string, script []byte) error {
	ids := []string{endpointID}
	if _, err := p.ec2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids}); err != nil {
		return fmt.Errorf("stopping %s: %w", endpointID, err)
	}
	if err := ec2.NewInstanceStoppedWaiter(p.ec2).Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids}, p.waitTimeout); err != nil {
		return fmt.Errorf("waiting for %s to stop: %w", endpointID, err)
	}
	if _, err := p.ec2.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(endpointID),
		UserData:   &types.BlobAttributeValue{Value: everyBoot(script)},
	}); err != nil {
		return fmt.Errorf("setting user data on %s: %w", endpointID, err)
	}
	if _, err := p.ec2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids}); err != nil {
		return fmt.Errorf("starting %s: %w", endpointID, err)
	}
	if err := ec2.NewInstanceRunningWaiter(p.ec2).Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids}, p.waitTimeout); err != nil {
		return fmt.Errorf("waiting for %s to run: %w", endpointID, err)
	}
	p.log.WithField("endpoint", endpointID).Info("startup script applied")
	return nil
}

const userDataBoundary = "==WETWIRE=="

// everyBoot wraps script in a multipart document that tells cloud-init to
// run user scripts on every boot, not just the first.
func everyBoot(script []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%q\nMIME-Version: 1.0\n\n", userDataBoundary)
	fmt.Fprintf(&b, "--%s\nContent-Type: text/cloud-config; charset=\"us-ascii\"\n\n", userDataBoundary)
	b.WriteString("#cloud-config\ncloud_final_modules:\n- [scripts-user, always]\n\n")
	fmt.Fprintf(&b, "--%s\nContent-Type: text/x-shellscript; charset=\"us-ascii\"\n\n", userDataBoundary)
	b.Write(script)
	if len(script) > 0 && script[len(script)-1] != '\n' {
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "--%s--\n", userDataBoundary)
	return []byte(b.String())
}
