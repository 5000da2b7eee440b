package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/yairfalse/warden/internal/config"
	"github.com/yairfalse/warden/types"
)

var (
	queryTenant     string
	queryScan       string
	queryFailedOnly bool
	queryProvider   string
	queryUID        string
)

// findingsCmd lists the findings of one scan
var findingsCmd = &cobra.Command{
	Use:     "findings",
	Short:   "List the findings of a scan",
	Example: `  warden findings --tenant acme --scan 0190f3c2-...
  warden findings --tenant acme --scan 0190f3c2-... --failed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listFindings(cmd.Context(), cfg, queryTenant, queryScan, queryFailedOnly, cmd.OutOrStdout())
	},
}

// complianceCmd lists the materialized compliance requirements of one scan
var complianceCmd = &cobra.Command{
	Use:     "compliance",
	Short:   "List compliance requirement status for a scan",
	Example: `  warden compliance --tenant acme --scan 0190f3c2-...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listCompliance(cmd.Context(), cfg, queryTenant, queryScan, cmd.OutOrStdout())
	},
}

// resourceCmd shows one resource with its current tags
var resourceCmd = &cobra.Command{
	Use:     "resource",
	Short:   "Show a resource and its tags",
	Example: `  warden resource --tenant acme --provider 4f1c... --uid arn:aws:s3:::logs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showResource(cmd.Context(), cfg, queryTenant, queryProvider, queryUID, cmd.OutOrStdout())
	},
}

func init() {
	for _, cmd := range []*cobra.Command{findingsCmd, complianceCmd, resourceCmd} {
		rootCmd.AddCommand(cmd)
		cmd.Flags().StringVar(&queryTenant, "tenant", "", "Tenant id")
		_ = cmd.MarkFlagRequired("tenant")
	}
	for _, cmd := range []*cobra.Command{findingsCmd, complianceCmd} {
		cmd.Flags().StringVar(&queryScan, "scan", "", "Scan id")
		_ = cmd.MarkFlagRequired("scan")
	}
	findingsCmd.Flags().BoolVar(&queryFailedOnly, "failed", false, "Only show FAIL findings")
	resourceCmd.Flags().StringVar(&queryProvider, "provider", "", "Provider id")
	resourceCmd.Flags().StringVar(&queryUID, "uid", "", "Resource uid")
	_ = resourceCmd.MarkFlagRequired("provider")
	_ = resourceCmd.MarkFlagRequired("uid")
}

// FindingsReport is the output of the findings command
type FindingsReport struct {
	Scan     *types.Scan     `json:"scan"`
	Findings []types.Finding `json:"findings"`
}

func listFindings(ctx context.Context, c *config.Config, tenantID, scanID string, failedOnly bool, out io.Writer) error {
	store, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	scan, err := store.GetScan(ctx, tenantID, scanID)
	if err != nil {
		return err
	}
	findings, err := store.Findings(ctx, tenantID, scanID)
	if err != nil {
		return err
	}

	report := FindingsReport{Scan: scan, Findings: make([]types.Finding, 0, len(findings))}
	for _, f := range findings {
		if failedOnly && f.Status != types.StatusFail {
			continue
		}
		report.Findings = append(report.Findings, f)
	}
	return writeJSON(out, report)
}

func listCompliance(ctx context.Context, c *config.Config, tenantID, scanID string, out io.Writer) error {
	store, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if _, err := store.GetScan(ctx, tenantID, scanID); err != nil {
		return err
	}
	reqs, err := store.ComplianceRequirements(ctx, tenantID, scanID)
	if err != nil {
		return err
	}
	if reqs == nil {
		reqs = []types.ComplianceRequirement{}
	}
	return writeJSON(out, reqs)
}

// ResourceReport is the output of the resource command
type ResourceReport struct {
	Resource *types.Resource `json:"resource"`
	Tags     types.Tags      `json:"tags"`
}

func showResource(ctx context.Context, c *config.Config, tenantID, providerID, uid string, out io.Writer) error {
	store, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	res, err := store.Resource(ctx, tenantID, providerID, uid)
	if err != nil {
		return err
	}
	tags, err := store.ResourceTags(ctx, tenantID, res.ID)
	if err != nil {
		return fmt.Errorf("failed to load tags of %s: %w", uid, err)
	}
	return writeJSON(out, ResourceReport{Resource: res, Tags: types.TagsFromEntities(tags)})
}
