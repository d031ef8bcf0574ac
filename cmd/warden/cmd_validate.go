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
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// validateFlags describe a hypothetical worker for a dry-run decision.
type validateFlags struct {
	workerID    string
	operation   string
	endpoint    string
	unencrypted bool
	sample      datatypes.RawMetrics
	hasSample   bool
	asJSON      bool
}

func newValidateCmd(opts *globalOptions) *cobra.Command {
	f := &validateFlags{}
	cmd := &cobra.Command{
		Use:   "validate <operation>",
		Short: "Dry-run one admission decision against the local config",
		Long: `validate registers a throwaway worker in an in-process warden, optionally
feeds it one resource sample, and prints the decision for the operation
(execute, communicate, terminate or monitor).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.operation = args[0]
			f.hasSample = cmd.Flags().Changed("cpu") || cmd.Flags().Changed("memory") ||
				cmd.Flags().Changed("disk") || cmd.Flags().Changed("network") ||
				cmd.Flags().Changed("execution")
			return runValidate(cmd, opts, f)
		},
	}
	cmd.Flags().StringVar(&f.workerID, "worker", "dry-run", "Worker ID to register")
	cmd.Flags().StringVar(&f.endpoint, "endpoint", "", "Target endpoint for communicate")
	cmd.Flags().BoolVar(&f.unencrypted, "unencrypted", false, "Mark the worker's channel unencrypted")
	cmd.Flags().Float64Var(&f.sample.CPUPercent, "cpu", 0, "Sampled CPU percent")
	cmd.Flags().Float64Var(&f.sample.MemoryMB, "memory", 0, "Sampled memory in MB")
	cmd.Flags().Float64Var(&f.sample.DiskMB, "disk", 0, "Sampled disk in MB")
	cmd.Flags().Float64Var(&f.sample.NetworkMBps, "network", 0, "Sampled network in MB/s")
	cmd.Flags().Float64Var(&f.sample.ExecutionSec, "execution", 0, "Sampled execution time in seconds")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "Print the raw decision")
	return cmd
}

func runValidate(cmd *cobra.Command, opts *globalOptions, f *validateFlags) error {
	ctx := cmdContext(cmd)
	op := datatypes.OperationType(strings.ToLower(f.operation))
	if !op.Valid() {
		return fmt.Errorf("unknown operation %q (want execute, communicate, terminate or monitor)", f.operation)
	}

	cfg, _, err := opts.loadConfig()
	if err != nil {
		return err
	}
	svc, err := newLocalService(ctx, cfg)
	if err != nil {
		return err
	}
	if err := svc.RegisterWorker(ctx, datatypes.Worker{ID: f.workerID}); err != nil {
		return err
	}
	if f.hasSample {
		if err := svc.RecordSample(ctx, f.workerID, f.sample); err != nil {
			return err
		}
	}
	if f.unencrypted {
		if err := svc.UpdateCommunicationState(ctx, f.workerID, datatypes.CommunicationState{
			Encrypted:     false,
			Authenticated: true,
			Integrity:     true,
		}); err != nil {
			return err
		}
	}

	result := svc.ValidateOperation(ctx, datatypes.OperationRequest{
		WorkerID:  f.workerID,
		Operation: op,
		Endpoint:  f.endpoint,
	})
	if f.asJSON {
		return printJSON(cmd.OutOrStdout(), result)
	}
	printDecision(cmd.OutOrStdout(), result)
	return nil
}

func printDecision(w io.Writer, r datatypes.WorkerSecurityResult) {
	verdict := "BLOCKED"
	if r.Allowed {
		verdict = "ALLOWED"
	}
	fmt.Fprintf(w, "%s %s for %s (risk %d, %s)\n", verdict, r.Operation, r.WorkerID, r.RiskScore, r.RiskLevel)
	if len(r.RiskFactors) > 0 {
		fmt.Fprintf(w, "Factors: %s\n", strings.Join(r.RiskFactors, ", "))
	}
	for _, rec := range r.Recommendations {
		fmt.Fprintf(w, "  - %s\n", rec)
	}
}
