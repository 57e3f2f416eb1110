package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/nimbus/pkg/client"
	"github.com/cuemby/nimbus/pkg/types"
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage GPU instances",
}

func init() {
	instanceCmd.PersistentFlags().String("server", "http://localhost:8080", "Nimbus server address")

	instanceCmd.AddCommand(instanceCreateCmd)
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceGetCmd)
	instanceCmd.AddCommand(instanceStartCmd)
	instanceCmd.AddCommand(instanceStopCmd)
	instanceCmd.AddCommand(instanceDeleteCmd)

	rootCmd.AddCommand(instanceCmd)
}

func apiClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	return client.NewClient(server)
}

var instanceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a GPU instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		product, _ := cmd.Flags().GetString("product")
		template, _ := cmd.Flags().GetString("template")
		region, _ := cmd.Flags().GetString("region")
		gpus, _ := cmd.Flags().GetInt("gpus")
		billing, _ := cmd.Flags().GetString("billing")
		webhookURL, _ := cmd.Flags().GetString("webhook-url")
		idemKey, _ := cmd.Flags().GetString("idempotency-key")

		result, err := apiClient(cmd).CreateInstance(context.Background(), &types.CreateInstanceRequest{
			Name:        name,
			ProductName: product,
			TemplateID:  template,
			Region:      region,
			GPUNum:      gpus,
			BillingMode: types.BillingMode(billing),
			WebhookURL:  webhookURL,
		}, idemKey)
		if err != nil {
			return err
		}

		fmt.Printf("Instance %s is %s\n", result.InstanceID, result.Status)
		fmt.Printf("Estimated ready: %s\n", result.EstimatedReadyTime.Format(time.RFC3339))
		return nil
	},
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		instances, err := apiClient(cmd).ListInstances(context.Background(), status, 0)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPRODUCT\tREGION\tSTATUS\tCREATED")
		for _, inst := range instances {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				inst.ID, inst.Name, inst.ProductName, inst.Region, inst.Status,
				inst.Timestamps.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var instanceGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := apiClient(cmd).GetInstance(context.Background(), args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var instanceStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a stopped or exited instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opID, err := apiClient(cmd).StartInstance(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Startup operation %s accepted\n", opID)
		return nil
	},
}

var instanceStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a running instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := apiClient(cmd).StopInstance(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Instance %s is %v\n", args[0], view["status"])
		return nil
	},
}

var instanceDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Terminate and remove an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DeleteInstance(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Instance %s terminated\n", args[0])
		return nil
	},
}

func init() {
	instanceCreateCmd.Flags().String("name", "", "Instance name (required)")
	instanceCreateCmd.Flags().String("product", "", "GPU product name (required)")
	instanceCreateCmd.Flags().String("template", "", "Template id (required)")
	instanceCreateCmd.Flags().String("region", "", "Preferred region")
	instanceCreateCmd.Flags().Int("gpus", 1, "Number of GPUs")
	instanceCreateCmd.Flags().String("billing", "spot", "Billing mode: spot or ondemand")
	instanceCreateCmd.Flags().String("webhook-url", "", "Webhook URL for lifecycle events")
	instanceCreateCmd.Flags().String("idempotency-key", "", "Idempotency key for safe retries")
	_ = instanceCreateCmd.MarkFlagRequired("name")
	_ = instanceCreateCmd.MarkFlagRequired("product")
	_ = instanceCreateCmd.MarkFlagRequired("template")

	instanceListCmd.Flags().String("status", "", "Filter by status")
}
