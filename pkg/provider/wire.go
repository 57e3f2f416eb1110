package provider

import (
	"fmt"
	"net/url"
)

// Logical endpoint groups. Each group gets its own circuit breaker and
// labels the provider request metrics.
const (
	EndpointProducts      = "products"
	EndpointTemplates     = "templates"
	EndpointRegistryAuths = "registryAuths"
	EndpointInstances     = "instances"
)

func productsPath(productName, region string) string {
	q := url.Values{}
	if productName != "" {
		q.Set("productName", productName)
	}
	if region != "" {
		q.Set("region", region)
	}
	if len(q) == 0 {
		return "/products"
	}
	return "/products?" + q.Encode()
}

func templatePath(id string) string {
	return "/templates/" + url.PathEscape(id)
}

const registryAuthsPath = "/repository/auths"

const instancesPath = "/instances"

func instancePath(id string) string {
	return "/instances/" + url.PathEscape(id)
}

func instanceActionPath(id, action string) string {
	return fmt.Sprintf("/instances/%s:%s", url.PathEscape(id), action)
}

// ack is the provider's minimal acknowledgement body
type ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
