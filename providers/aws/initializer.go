// Package aws connects to AWS accounts for scans.
package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/warden/providers"
	"github.com/yairfalse/warden/types"
)

// STSAPI defines the STS operations used to verify credentials.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// EC2API defines the EC2 operations used to list regions.
type EC2API interface {
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

// Config holds AWS initializer configuration.
type Config struct {
	// Region used for the STS and EC2 endpoints.
	Region  string
	Profile string
}

// Initializer verifies that the configured credentials reach the
// provider's account.
type Initializer struct {
	cfg Config

	// Overridable for tests
	loadConfig func(ctx context.Context, cfg Config) (aws.Config, error)
	newSTS     func(aws.Config) STSAPI
	newEC2     func(aws.Config) EC2API
}

// New creates an AWS initializer.
func New(cfg Config) *Initializer {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &Initializer{
		cfg:        cfg,
		loadConfig: loadDefaultConfig,
		newSTS:     func(c aws.Config) STSAPI { return sts.NewFromConfig(c) },
		newEC2:     func(c aws.Config) EC2API { return ec2.NewFromConfig(c) },
	}
}

func loadDefaultConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// Initialize implements providers.Initializer.
func (i *Initializer) Initialize(ctx context.Context, p *types.Provider) (providers.Handle, error) {
	awsCfg, err := i.loadConfig(ctx, i.cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	ident, err := i.newSTS(awsCfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("get caller identity: %w", err)
	}

	account := aws.ToString(ident.Account)
	if p.UID != "" && account != p.UID {
		return nil, fmt.Errorf("credentials belong to account %s, provider expects %s", account, p.UID)
	}

	log.Debug().
		Str("provider_id", p.ID).
		Str("account", account).
		Str("arn", aws.ToString(ident.Arn)).
		Msg("aws provider connected")

	return &handle{ec2: i.newEC2(awsCfg)}, nil
}

type handle struct {
	ec2 EC2API
}

// Regions returns the regions enabled for the account.
func (h *handle) Regions(ctx context.Context) ([]string, error) {
	out, err := h.ec2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{AllRegions: aws.Bool(false)})
	if err != nil {
		return nil, fmt.Errorf("describe regions: %w", err)
	}

	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if name := aws.ToString(r.RegionName); name != "" {
			regions = append(regions, name)
		}
	}
	sort.Strings(regions)
	return regions, nil
}
