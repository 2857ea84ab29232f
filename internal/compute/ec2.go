// Package compute controls the disaster-recovery instance used to validate backups
// and runs the restore on it.
package compute

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"tb-go/internal/tb"
)

// EC2API is the subset of the EC2 client used here.
type EC2API interface {
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// EC2Options configures the EC2 client.
type EC2Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// EC2Control implements tb.ComputeControl for EC2 instances.
type EC2Control struct {
	client EC2API
}

func NewEC2Control(client EC2API) *EC2Control {
	return &EC2Control{client: client}
}

// NewEC2ControlFromOptions builds the client from static credentials, falling back to
// the default credential chain when none are given.
func NewEC2ControlFromOptions(ctx context.Context, opts EC2Options) (*EC2Control, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewEC2Control(ec2.NewFromConfig(cfg)), nil
}

func (c *EC2Control) Start(ctx context.Context, instanceID string) error {
	if _, err := c.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return fmt.Errorf("starting instance %s: %w", instanceID, err)
	}
	return nil
}

func (c *EC2Control) Stop(ctx context.Context, instanceID string) error {
	if _, err := c.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return fmt.Errorf("stopping instance %s: %w", instanceID, err)
	}
	return nil
}

// Status reports the instance state and its public address, or the private one when
// the instance has no public address.
func (c *EC2Control) Status(ctx context.Context, instanceID string) (*tb.InstanceStatus, error) {
	out, err := c.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return nil, fmt.Errorf("describing instance %s: %w", instanceID, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) != instanceID {
				continue
			}
			status := &tb.InstanceStatus{State: tb.InstanceUnknown}
			if inst.State != nil {
				status.State = stateOf(inst.State.Name)
			}
			status.Address = aws.ToString(inst.PublicIpAddress)
			if status.Address == "" {
				status.Address = aws.ToString(inst.PrivateIpAddress)
			}
			return status, nil
		}
	}
	return nil, fmt.Errorf("instance %s not found", instanceID)
}

func stateOf(name types.InstanceStateName) tb.InstanceState {
	switch name {
	case types.InstanceStateNamePending:
		return tb.InstancePending
	case types.InstanceStateNameRunning:
		return tb.InstanceRunning
	case types.InstanceStateNameStopping, types.InstanceStateNameShuttingDown:
		return tb.InstanceStopping
	case types.InstanceStateNameStopped, types.InstanceStateNameTerminated:
		return tb.InstanceStopped
	default:
		return tb.InstanceUnknown
	}
}

var _ tb.ComputeControl = (*EC2Control)(nil)
