package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kiroku/internal/model"
)

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect agent runs",
	}
	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsGetCommand())
	cmd.AddCommand(newRunsFailCommand())
	return cmd
}

func newRunsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			agentID, _ := cmd.Flags().GetString("agent")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			q := url.Values{}
			if agentID != "" {
				q.Set("agentId", agentID)
			}
			if status != "" {
				q.Set("status", status)
			}
			q.Set("limit", fmt.Sprintf("%d", limit))

			var runs []model.RunListItem
			if err := client.do(cmd.Context(), "GET", "/v1/runs?"+q.Encode(), nil, &runs); err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}
			for _, run := range runs {
				fmt.Printf("%s  [%s]  agent=%s  model=%s  $%.4f  %s\n",
					run.ID, run.Status, run.AgentID, run.CurrentModel,
					run.Consumed.CostUsd, run.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().String("agent", "", "Filter by agent ID")
	cmd.Flags().String("status", "", "Filter by run status")
	cmd.Flags().Int("limit", 20, "Maximum runs to list")
	return cmd
}

func newRunsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run with its step ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			var run model.Run
			if err := client.do(cmd.Context(), "GET", "/v1/runs/"+args[0], nil, &run); err != nil {
				return err
			}

			fmt.Printf("Run %s\n", run.ID)
			fmt.Printf("Agent:  %s\n", run.AgentID)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Model:  %s", run.CurrentModel)
			if run.EffortLevel != "" {
				fmt.Printf(" (%s)", run.EffortLevel)
			}
			fmt.Println()
			if run.Budget.MaxCostUsd != nil {
				fmt.Printf("Spent:  $%.4f of $%.2f  (%d downgrades)\n",
					run.Consumed.CostUsd, *run.Budget.MaxCostUsd, run.Consumed.Downgrades)
			} else {
				fmt.Printf("Spent:  $%.4f, no cost cap  (%d downgrades)\n",
					run.Consumed.CostUsd, run.Consumed.Downgrades)
			}
			if run.Error != nil {
				fmt.Printf("Error:  %s: %s\n", run.Error.Code, run.Error.Message)
			}

			var steps []model.Step
			if err := client.do(cmd.Context(), "GET", "/v1/runs/"+args[0]+"/steps", nil, &steps); err != nil {
				return err
			}
			if len(steps) > 0 {
				fmt.Println("\nSteps:")
				for _, s := range steps {
					name := s.Type
					if s.ToolName != nil {
						name += ":" + *s.ToolName
					}
					fmt.Printf("  [%d] %s  %s  $%.4f  %dms\n",
						s.Index, name, s.Status, s.CostUsd, s.DurationMs)
				}
			}
			return nil
		},
	}
}

func newRunsFailCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fail <run-id>",
		Short: "Fail a run that is stuck, e.g. paused on an expired approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			code, _ := cmd.Flags().GetString("code")
			message, _ := cmd.Flags().GetString("message")
			if message == "" {
				return fmt.Errorf("--message is required")
			}

			var run model.Run
			body := model.FailRunRequest{Error: model.RunError{Code: code, Message: message}}
			if err := client.do(cmd.Context(), "POST", "/v1/runs/"+args[0]+"/fail", body, &run); err != nil {
				return err
			}

			fmt.Printf("Run %s is now %s\n", run.ID, run.Status)
			return nil
		},
	}
	cmd.Flags().String("code", "APPROVAL_EXPIRED", "Error code to record on the run")
	cmd.Flags().String("message", "", "Human-readable failure message")
	return cmd
}
