package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kiroku/internal/model"
)

func newApprovalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Review and resolve approval requests",
	}
	cmd.AddCommand(newApprovalsListCommand())
	cmd.AddCommand(newApprovalsResolveCommand())
	cmd.AddCommand(newApprovalsSweepCommand())
	return cmd
}

func newApprovalsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")

			var pending []model.ApprovalRequest
			path := fmt.Sprintf("/v1/approvals?limit=%d", limit)
			if err := client.do(cmd.Context(), "GET", path, nil, &pending); err != nil {
				return err
			}

			if len(pending) == 0 {
				fmt.Println("No pending approvals.")
				return nil
			}
			for _, req := range pending {
				fmt.Printf("%s  [%s]  run=%s step=%d  tool=%s\n",
					req.ID, strings.ToUpper(string(req.RiskLevel)), req.RunID, req.StepIndex, req.Action.ToolName)
				for _, f := range req.RiskFactors {
					fmt.Printf("    - %s\n", f)
				}
				fmt.Printf("    expires %s\n", req.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum requests to list")
	return cmd
}

func newApprovalsResolveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <approval-id>",
		Short: "Approve or decline a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			approve, _ := cmd.Flags().GetBool("approve")
			decline, _ := cmd.Flags().GetBool("decline")
			reason, _ := cmd.Flags().GetString("reason")
			if approve == decline {
				return fmt.Errorf("pass exactly one of --approve or --decline")
			}
			decision := model.DecisionApproved
			if decline {
				decision = model.DecisionDeclined
				if reason == "" {
					return fmt.Errorf("--reason is required when declining")
				}
			}

			var resolved model.ApprovalRequest
			body := model.ResolveApprovalRequest{Decision: decision, Reason: reason}
			path := "/v1/approvals/" + args[0] + "/resolve"
			if err := client.do(cmd.Context(), "POST", path, body, &resolved); err != nil {
				return err
			}

			fmt.Printf("Approval %s is now %s (run %s)\n", resolved.ID, resolved.Status, resolved.RunID)
			return nil
		},
	}
	cmd.Flags().Bool("approve", false, "Approve the request and resume the run")
	cmd.Flags().Bool("decline", false, "Decline the request and fail the run")
	cmd.Flags().String("reason", "", "Why you decided this way (recorded on the resolution)")
	return cmd
}

func newApprovalsSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire approval requests past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			var result model.SweepApprovalsResponse
			if err := client.do(cmd.Context(), "POST", "/v1/approvals/sweep", nil, &result); err != nil {
				return err
			}

			fmt.Printf("Expired %d approval request(s)\n", result.Expired)
			return nil
		},
	}
}
