package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/nimbus/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply an instance manifest",
	Long: `Apply GPU instance definitions from a YAML file.

Examples:
  # Create the instances described in a manifest
  nimbus apply -f training-rig.yaml

  # A manifest may hold multiple documents separated by ---`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("server", "http://localhost:8080", "Nimbus server address")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Manifest is one YAML document describing a GPU instance
type Manifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ManifestMetadata `yaml:"metadata"`
	Spec       InstanceSpec     `yaml:"spec"`
}

// ManifestMetadata names the resource
type ManifestMetadata struct {
	Name string `yaml:"name"`
}

// InstanceSpec is the manifest shape of a create request
type InstanceSpec struct {
	ProductName string `yaml:"productName"`
	TemplateID  string `yaml:"templateId"`
	Region      string `yaml:"region"`
	GPUNum      int    `yaml:"gpuNum"`
	RootfsSize  int    `yaml:"rootfsSize"`
	BillingMode string `yaml:"billingMode"`
	WebhookURL  string `yaml:"webhookUrl"`

	HealthCheck *HealthCheckSpec `yaml:"healthCheck"`
}

// HealthCheckSpec configures application probes in a manifest
type HealthCheckSpec struct {
	TimeoutMs    int `yaml:"timeoutMs"`
	MaxRetries   int `yaml:"maxRetries"`
	RetryDelayMs int `yaml:"retryDelayMs"`
	TargetPort   int `yaml:"targetPort"`
}

func runApply(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")

	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	c := apiClient(cmd)
	decoder := yaml.NewDecoder(f)
	applied := 0

	for {
		var m Manifest
		if err := decoder.Decode(&m); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("parse manifest: %w", err)
		}

		if m.Kind != "GPUInstance" {
			return fmt.Errorf("unsupported kind %q (only GPUInstance)", m.Kind)
		}
		if m.Metadata.Name == "" {
			return fmt.Errorf("metadata.name is required")
		}

		req := &types.CreateInstanceRequest{
			Name:        m.Metadata.Name,
			ProductName: m.Spec.ProductName,
			TemplateID:  m.Spec.TemplateID,
			Region:      m.Spec.Region,
			GPUNum:      m.Spec.GPUNum,
			RootfsSize:  m.Spec.RootfsSize,
			BillingMode: types.BillingMode(m.Spec.BillingMode),
			WebhookURL:  m.Spec.WebhookURL,
		}
		if hc := m.Spec.HealthCheck; hc != nil {
			req.HealthCheck = &types.HealthCheckConfig{
				TimeoutMs:    hc.TimeoutMs,
				MaxRetries:   hc.MaxRetries,
				RetryDelayMs: hc.RetryDelayMs,
				TargetPort:   hc.TargetPort,
			}
		}

		// Manifest applies are idempotent per resource name
		result, err := c.CreateInstance(context.Background(), req, "manifest-"+m.Metadata.Name)
		if err != nil {
			return fmt.Errorf("apply %s: %w", m.Metadata.Name, err)
		}

		fmt.Printf("✓ %s → instance %s (%s)\n", m.Metadata.Name, result.InstanceID, result.Status)
		applied++
	}

	if applied == 0 {
		return fmt.Errorf("no documents found in %s", file)
	}
	fmt.Printf("Applied %d instance(s)\n", applied)
	return nil
}
