// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/warden/services/warden"
	"github.com/AleutianAI/warden/services/warden/audit"
	"github.com/AleutianAI/warden/services/warden/config"
	"github.com/AleutianAI/warden/services/warden/datatypes"
	"github.com/AleutianAI/warden/services/warden/enforcement"
	"github.com/AleutianAI/warden/services/warden/resources"
)

// =============================================================================
// status
// =============================================================================

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker counts and policy state of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st datatypes.Status
			if err := newAPIClient(opts).get(cmdContext(cmd), "/v1/status", nil, &st); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")
	return cmd
}

func printStatus(w io.Writer, st datatypes.Status) {
	fmt.Fprintf(w, "Workers:           %d total, %d active, %d throttled, %d terminated\n",
		st.Workers.Total, st.Workers.Active, st.Workers.Throttled, st.Workers.Terminated)
	fmt.Fprintf(w, "Isolation policies: %d\n", st.IsolationPolicyCount)
	fmt.Fprintf(w, "Channels:          %d\n", st.CommunicationChannelCount)
	fmt.Fprintf(w, "Audit log size:    %d\n", st.AuditLogSize)
	fmt.Fprintf(w, "Threat patterns:   %d\n", st.ThreatPatternCount)
	fmt.Fprintf(w, "As of:             %s\n", st.Timestamp.Format(time.RFC3339))
}

// =============================================================================
// audit
// =============================================================================

func newAuditCmd(opts *globalOptions) *cobra.Command {
	var local, asJSON bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Score the security posture of a server, or of the local config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var report datatypes.AuditReport
			if local {
				cfg, _, err := opts.loadConfig()
				if err != nil {
					return err
				}
				svc, err := newLocalService(cmdContext(cmd), cfg)
				if err != nil {
					return err
				}
				report = svc.PerformAudit(cmdContext(cmd))
			} else if err := newAPIClient(opts).get(cmdContext(cmd), "/v1/audit", nil, &report); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			printAudit(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Audit the config file instead of a running server")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON report")
	cmd.AddCommand(newAuditLogCmd(opts))
	return cmd
}

func printAudit(w io.Writer, r datatypes.AuditReport) {
	fmt.Fprintf(w, "Security score: %d (%s)\n", r.OverallScore, r.Grade)
	for _, c := range r.Components {
		fmt.Fprintf(w, "  %-22s %3d\n", c.Component, c.Score)
	}
	if len(r.Issues) > 0 {
		fmt.Fprintln(w, "Issues:")
		for _, issue := range r.Issues {
			fmt.Fprintf(w, "  - %s\n", issue)
		}
	}
	if len(r.Recommendations) > 0 {
		fmt.Fprintln(w, "Recommendations:")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(w, "  - %s\n", rec)
		}
	}
}

// auditLogResponse mirrors GET /v1/audit/log.
type auditLogResponse struct {
	Events       []audit.Event                 `json:"events"`
	Verification audit.ChainVerificationResult `json:"verification"`
}

func newAuditLogCmd(opts *globalOptions) *cobra.Command {
	var (
		workerID  string
		eventType string
		since     time.Duration
		limit     int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List audit events and verify the hash chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if workerID != "" {
				q.Set("worker_id", workerID)
			}
			if eventType != "" {
				q.Set("type", eventType)
			}
			if since > 0 {
				q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var resp auditLogResponse
			if err := newAPIClient(opts).get(cmdContext(cmd), "/v1/audit/log", q, &resp); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printAuditLog(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "Only events for this worker")
	cmd.Flags().StringVar(&eventType, "type", "", "Only events of this type")
	cmd.Flags().DurationVar(&since, "since", 0, "Only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Newest N events (1-1000)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON response")
	return cmd
}

func printAuditLog(w io.Writer, resp auditLogResponse) {
	for _, e := range resp.Events {
		outcome := "-"
		if e.Allowed != nil {
			outcome = "blocked"
			if *e.Allowed {
				outcome = "allowed"
			}
		}
		fmt.Fprintf(w, "%6d  %s  %-24s %-12s %-8s %3d\n",
			e.Sequence, e.Timestamp.Format(time.RFC3339), e.Type, e.WorkerID, outcome, e.RiskScore)
	}
	if resp.Verification.IsValid {
		fmt.Fprintf(w, "Chain intact (%d entries)\n", resp.Verification.TotalEntries)
	} else {
		fmt.Fprintf(w, "CHAIN BROKEN at %d: %s\n", resp.Verification.BreakPoint, resp.Verification.Message)
	}
}

// =============================================================================
// Helpers
// =============================================================================

// newLocalService builds an in-process service for one-shot commands.
// Nothing is sampled or enforced for real.
func newLocalService(ctx context.Context, cfg config.Config) (*warden.Service, error) {
	return warden.NewService(ctx, warden.Options{
		Security:   cfg.Security,
		Source:     resources.NewStaticSource(),
		Backend:    enforcement.NewRecordingBackend(),
		Retention:  cfg.Audit.Retention,
		MaxHistory: cfg.Audit.MaxHistory,
		Logger:     quietLogger(),
	})
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
