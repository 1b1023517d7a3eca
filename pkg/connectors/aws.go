package connectors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/graph"
)

// AWSVPC maps one account/region's VPC topology into the graph:
//
//   - each VPC becomes a cloud_gateway Device that owns its security groups
//   - each security group becomes a Rule node (any-any detection included)
//   - each running instance becomes a server Device connected to its VPC
//   - each load balancer becomes a Service depending on its VPC gateway
//
// Change passthrough covers CloudSG changes only; everything else in this
// account is read-only from the engine's point of view.
type AWSVPC struct {
	id  string
	env string

	ec2 *ec2.Client
	elb *elbv2.Client
	sts *sts.Client
}

// NewAWSVPC builds the connector from shared AWS config. AWS_ENDPOINT_URL
// overrides the endpoint for local stacks.
func NewAWSVPC(cfg Config) (*AWSVPC, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(endpoint))
	}

	awscfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("connector %s: load aws config: %w", cfg.ID, err)
	}
	return &AWSVPC{
		id:  cfg.ID,
		env: cfg.Environment,
		ec2: ec2.NewFromConfig(awscfg),
		elb: elbv2.NewFromConfig(awscfg),
		sts: sts.NewFromConfig(awscfg),
	}, nil
}

func (a *AWSVPC) ID() string   { return a.id }
func (a *AWSVPC) Type() string { return "awsvpc" }

// VerifyIdentity confirms the session credentials resolve and returns the
// account id.
func (a *AWSVPC) VerifyIdentity(ctx context.Context) (string, error) {
	out, err := a.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("connector %s: caller identity: %w", a.id, err)
	}
	return aws.ToString(out.Account), nil
}

func (a *AWSVPC) Sync(ctx context.Context) (*graph.Batch, error) {
	batch := &graph.Batch{ConnectorID: a.id, ObservedAt: time.Now().UTC()}
	vpcs := map[string]bool{}

	vpcDevice := func(vpcID string) string {
		id := "aws:" + vpcID
		if !vpcs[vpcID] {
			vpcs[vpcID] = true
			batch.Mutations = append(batch.Mutations, graph.UpsertNode(id, graph.KindDevice, map[string]any{
				"name": vpcID, "kind": "cloud_gateway", "environment": a.env,
			}))
		}
		return id
	}

	sgPager := ec2.NewDescribeSecurityGroupsPaginator(a.ec2, &ec2.DescribeSecurityGroupsInput{})
	for sgPager.HasMorePages() {
		page, err := sgPager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("connector %s: describe security groups: %w", a.id, err)
		}
		for _, sg := range page.SecurityGroups {
			owner := vpcDevice(aws.ToString(sg.VpcId))
			ruleID := "aws:" + aws.ToString(sg.GroupId)
			batch.Mutations = append(batch.Mutations, graph.UpsertNode(ruleID, graph.KindRule, map[string]any{
				"name":        aws.ToString(sg.GroupName),
				"environment": a.env,
				"is_any_any":  hasAnyAnyPermission(sg.IpPermissions),
			}))
			batch.Mutations = append(batch.Mutations, graph.UpsertEdge(graph.EdgeHasRule, owner, ruleID))
		}
	}

	instPager := ec2.NewDescribeInstancesPaginator(a.ec2, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{{
			Name:   aws.String("instance-state-name"),
			Values: []string{"running", "stopped"},
		}},
	})
	for instPager.HasMorePages() {
		page, err := instPager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("connector %s: describe instances: %w", a.id, err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				devID := "aws:" + aws.ToString(inst.InstanceId)
				batch.Mutations = append(batch.Mutations, graph.UpsertNode(devID, graph.KindDevice, map[string]any{
					"name": nameTag(inst.Tags, aws.ToString(inst.InstanceId)),
					"kind": "server", "environment": a.env,
				}))
				if inst.VpcId != nil {
					batch.Mutations = append(batch.Mutations,
						graph.UpsertEdge(graph.EdgeConnectsTo, devID, vpcDevice(aws.ToString(inst.VpcId))))
				}
			}
		}
	}

	lbPager := elbv2.NewDescribeLoadBalancersPaginator(a.elb, &elbv2.DescribeLoadBalancersInput{})
	for lbPager.HasMorePages() {
		page, err := lbPager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("connector %s: describe load balancers: %w", a.id, err)
		}
		for _, lb := range page.LoadBalancers {
			svcID := "aws:lb/" + aws.ToString(lb.LoadBalancerName)
			batch.Mutations = append(batch.Mutations, graph.UpsertNode(svcID, graph.KindService, map[string]any{
				"name": aws.ToString(lb.LoadBalancerName), "environment": a.env,
				"dns": aws.ToString(lb.DNSName),
			}))
			if lb.VpcId != nil {
				batch.Mutations = append(batch.Mutations,
					graph.UpsertEdge(graph.EdgeDependsOn, svcID, vpcDevice(aws.ToString(lb.VpcId))))
			}
		}
	}

	return batch, nil
}

// ValidateChange checks that a CloudSG change targets security groups that
// exist in this account.
func (a *AWSVPC) ValidateChange(ctx context.Context, c *change.Change) error {
	if c.ChangeType != change.TypeCloudSG {
		return &change.ValidationError{Field: "change_type",
			Reason: fmt.Sprintf("connector %s handles CloudSG changes, not %s", a.id, c.ChangeType)}
	}
	ids := securityGroupIDs(c.TargetComponents)
	if len(ids) == 0 {
		return &change.ValidationError{Field: "target_components", Reason: "no security group targets"}
	}
	out, err := a.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: ids})
	if err != nil {
		return fmt.Errorf("connector %s: validate %s: %w", a.id, c.ID, err)
	}
	if len(out.SecurityGroups) != len(ids) {
		return &change.ValidationError{Field: "target_components",
			Reason: fmt.Sprintf("only %d of %d security groups exist", len(out.SecurityGroups), len(ids))}
	}
	return nil
}

// SimulateChange dry-runs a delete_sg against EC2; the API reports whether
// the caller could perform the operation without doing it.
func (a *AWSVPC) SimulateChange(ctx context.Context, c *change.Change) (*Simulation, error) {
	sim := &Simulation{ConnectorID: a.id, Feasible: true}
	if c.Action != change.ActionDeleteSG {
		sim.Summary = fmt.Sprintf("%s has no cloud-side effect to simulate", c.Action)
		return sim, nil
	}
	for _, sgID := range securityGroupIDs(c.TargetComponents) {
		_, err := a.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
			GroupId: aws.String(sgID),
			DryRun:  aws.Bool(true),
		})
		var apiErr smithy.APIError
		switch {
		case err == nil:
			// DryRun=true never succeeds; treat it as feasible anyway.
		case errors.As(err, &apiErr) && apiErr.ErrorCode() == "DryRunOperation":
			// The call would have succeeded.
		case errors.As(err, &apiErr) && apiErr.ErrorCode() == "DependencyViolation":
			sim.Feasible = false
			sim.Warnings = append(sim.Warnings, sgID+" is still referenced by other resources")
		default:
			return nil, fmt.Errorf("connector %s: simulate delete of %s: %w", a.id, sgID, err)
		}
	}
	sim.Summary = fmt.Sprintf("delete of %d security group(s) dry-run complete", len(c.TargetComponents))
	return sim, nil
}

// ApplyChange executes a CloudSG change. Only delete_sg has a direct API
// mapping; modify_sg is acknowledged and left to the operator's tooling.
func (a *AWSVPC) ApplyChange(ctx context.Context, c *change.Change) (string, error) {
	if err := a.ValidateChange(ctx, c); err != nil {
		return "", err
	}
	if c.Action != change.ActionDeleteSG {
		return fmt.Sprintf("aws:%s:acknowledged", c.ID), nil
	}
	for _, sgID := range securityGroupIDs(c.TargetComponents) {
		if _, err := a.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
			GroupId: aws.String(sgID),
		}); err != nil {
			return "", fmt.Errorf("connector %s: delete security group %s: %w", a.id, sgID, err)
		}
	}
	return fmt.Sprintf("aws:%s:deleted=%d", c.ID, len(c.TargetComponents)), nil
}

func hasAnyAnyPermission(perms []ec2types.IpPermission) bool {
	for _, p := range perms {
		if aws.ToString(p.IpProtocol) != "-1" {
			continue
		}
		for _, r := range p.IpRanges {
			if aws.ToString(r.CidrIp) == "0.0.0.0/0" {
				return true
			}
		}
	}
	return false
}

func nameTag(tags []ec2types.Tag, fallback string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == "Name" {
			return aws.ToString(t.Value)
		}
	}
	return fallback
}

// securityGroupIDs strips the graph's aws: prefix off change targets.
func securityGroupIDs(targets []string) []string {
	var out []string
	for _, t := range targets {
		id := strings.TrimPrefix(t, "aws:")
		if strings.HasPrefix(id, "sg-") {
			out = append(out, id)
		}
	}
	return out
}
