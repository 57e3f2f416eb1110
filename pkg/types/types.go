package types

import (
	"time"
)

// InstanceStatus represents the lifecycle state of a managed instance
type InstanceStatus string

const (
	InstanceCreating       InstanceStatus = "CREATING"
	InstanceCreated        InstanceStatus = "CREATED"
	InstanceStarting       InstanceStatus = "STARTING"
	InstanceRunning        InstanceStatus = "RUNNING"
	InstanceHealthChecking InstanceStatus = "HEALTH_CHECKING"
	InstanceReady          InstanceStatus = "READY"
	InstanceStopping       InstanceStatus = "STOPPING"
	InstanceStopped        InstanceStatus = "STOPPED"
	InstanceFailed         InstanceStatus = "FAILED"
	InstanceTerminated     InstanceStatus = "TERMINATED"
	InstanceExited         InstanceStatus = "EXITED"
)

// BillingMode defines how an instance is billed by the provider
type BillingMode string

const (
	BillingSpot     BillingMode = "spot"
	BillingOnDemand BillingMode = "ondemand"
)

// PortType defines the protocol of an exposed port
type PortType string

const (
	PortHTTP  PortType = "http"
	PortHTTPS PortType = "https"
	PortTCP   PortType = "tcp"
	PortUDP   PortType = "udp"
)

// PortMapping describes one exposed endpoint of an instance
type PortMapping struct {
	Port     int      `json:"port"`
	Endpoint string   `json:"endpoint"`
	Type     PortType `json:"type"`
}

// Timestamps tracks the lifecycle milestones of an instance.
// ReadyAt is set exactly once, on the first transition into READY.
type Timestamps struct {
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	ReadyAt      *time.Time `json:"readyAt,omitempty"`
	StoppedAt    *time.Time `json:"stoppedAt,omitempty"`
	TerminatedAt *time.Time `json:"terminatedAt,omitempty"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
}

// HealthState represents the aggregate outcome of a health check run
type HealthState string

const (
	HealthPending    HealthState = "pending"
	HealthInProgress HealthState = "in_progress"
	HealthHealthy    HealthState = "healthy"
	HealthPartial    HealthState = "partial"
	HealthUnhealthy  HealthState = "unhealthy"
)

// EndpointResult is the per-endpoint outcome of a health check run
type EndpointResult struct {
	Endpoint       string `json:"endpoint"`
	Port           int    `json:"port"`
	Healthy        bool   `json:"healthy"`
	Attempts       int    `json:"attempts"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	LastError      string `json:"lastError,omitempty"`
	ErrorCategory  string `json:"errorCategory,omitempty"`
}

// HealthCheckInfo is the health check state stored on an instance
type HealthCheckInfo struct {
	Status  HealthState       `json:"status"`
	Results []*EndpointResult `json:"results,omitempty"`
}

// HealthCheckConfig configures application-level probes against an
// instance's exposed ports
type HealthCheckConfig struct {
	TimeoutMs    int `json:"timeoutMs,omitempty"`
	MaxRetries   int `json:"maxRetries,omitempty"`
	RetryDelayMs int `json:"retryDelayMs,omitempty"`
	TargetPort   int `json:"targetPort,omitempty"`
}

// LastError records the most recent failure observed for an instance
type LastError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Phase     string    `json:"phase,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// InstanceState is the authoritative record for one managed instance
type InstanceState struct {
	ID                 string           `json:"id"`
	ProviderInstanceID string           `json:"providerInstanceId,omitempty"`
	Name               string           `json:"name"`
	ProductName        string           `json:"productName"`
	TemplateID         string           `json:"templateId"`
	Region             string           `json:"region,omitempty"`
	GPUNum             int              `json:"gpuNum"`
	RootfsSize         int              `json:"rootfsSize,omitempty"`
	BillingMode        BillingMode      `json:"billingMode"`
	Status             InstanceStatus   `json:"status"`
	Timestamps         Timestamps       `json:"timestamps"`
	HealthCheckConfig  *HealthCheckConfig `json:"healthCheckConfig,omitempty"`
	HealthCheck        *HealthCheckInfo `json:"healthCheck,omitempty"`
	PortMappings       []*PortMapping   `json:"portMappings,omitempty"`
	LastError          *LastError       `json:"lastError,omitempty"`
	WebhookURL         string           `json:"webhookUrl,omitempty"`

	// Provider-authoritative spot metadata, refreshed by sync
	SpotStatus      string `json:"spotStatus,omitempty"`
	SpotReclaimTime int64  `json:"spotReclaimTime,omitempty"`
}

// StartupPhase tracks where an in-flight start attempt currently is
type StartupPhase string

const (
	PhaseStartRequested StartupPhase = "startRequested"
	PhaseMonitoring     StartupPhase = "monitoring"
	PhaseHealthChecking StartupPhase = "health_checking"
	PhaseCompleted      StartupPhase = "completed"
	PhaseFailed         StartupPhase = "failed"
)

// StartupStatus is the coarse state of a startup operation
type StartupStatus string

const (
	StartupInitiated      StartupStatus = "initiated"
	StartupMonitoring     StartupStatus = "monitoring"
	StartupHealthChecking StartupStatus = "health_checking"
	StartupCompleted      StartupStatus = "completed"
	StartupFailed         StartupStatus = "failed"
)

// Terminal reports whether the startup status is final
func (s StartupStatus) Terminal() bool {
	return s == StartupCompleted || s == StartupFailed
}

// StartupOperation tracks an in-flight attempt to bring an instance
// from EXITED or STOPPED to READY. At most one non-terminal operation
// exists per instance at any instant.
type StartupOperation struct {
	OperationID        string                     `json:"operationId"`
	InstanceID         string                     `json:"instanceId"`
	ProviderInstanceID string                     `json:"providerInstanceId,omitempty"`
	Status             StartupStatus              `json:"status"`
	Phase              StartupPhase               `json:"phase"`
	StartedAt          time.Time                  `json:"startedAt"`
	PhaseTimestamps    map[StartupPhase]time.Time `json:"phaseTimestamps,omitempty"`
	Error              string                     `json:"error,omitempty"`
}

// JobType identifies the handler a job is dispatched to
type JobType string

const (
	JobCreateInstance  JobType = "CREATE_INSTANCE"
	JobMonitorInstance JobType = "MONITOR_INSTANCE"
	JobStartInstance   JobType = "START_INSTANCE"
	JobMonitorStartup  JobType = "MONITOR_STARTUP"
	JobSendWebhook     JobType = "SEND_WEBHOOK"
	JobMigrateInstance JobType = "MIGRATE_INSTANCE"
)

// JobStatus represents the state of a job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the job status is final
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobPriority orders eligible jobs for dispatch; higher dispatches first
type JobPriority int

const (
	PriorityLow    JobPriority = 0
	PriorityNormal JobPriority = 1
	PriorityHigh   JobPriority = 2
)

func (p JobPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// JobPayload is the type-discriminated payload of a job. Each JobType
// has exactly one payload variant.
type JobPayload interface {
	jobPayload()
}

// CreateInstancePayload drives the CREATE_INSTANCE workflow
type CreateInstancePayload struct {
	InstanceID string                `json:"instanceId"`
	Request    CreateInstanceRequest `json:"request"`
}

// MonitorPayload drives MONITOR_INSTANCE and MONITOR_STARTUP. For
// MONITOR_STARTUP, OperationID references the startup operation being
// advanced. Migration carries reclaim context so the ready webhook
// reports the replacement instead of a plain ready.
type MonitorPayload struct {
	InstanceID         string             `json:"instanceId"`
	ProviderInstanceID string             `json:"providerInstanceId"`
	WebhookURL         string             `json:"webhookUrl,omitempty"`
	StartTime          time.Time          `json:"startTime"`
	MaxWaitTime        time.Duration      `json:"maxWaitTime"`
	HealthCheck        *HealthCheckConfig `json:"healthCheck,omitempty"`
	OperationID        string             `json:"operationId,omitempty"`
	Migration          *MigrationContext  `json:"migration,omitempty"`
}

// MigrationContext identifies the spot reclaim a MONITOR flow recovers from
type MigrationContext struct {
	OriginalProviderInstanceID string `json:"originalProviderInstanceId"`
	Reason                     string `json:"reason"`
}

// StartInstancePayload drives the START_INSTANCE workflow
type StartInstancePayload struct {
	InstanceID  string `json:"instanceId"`
	OperationID string `json:"operationId"`
}

// MigratePayload drives the MIGRATE_INSTANCE workflow
type MigratePayload struct {
	InstanceID string `json:"instanceId"`
	Reason     string `json:"reason"`
}

// SendWebhookPayload drives a single webhook delivery
type SendWebhookPayload struct {
	URL   string        `json:"url"`
	Event *WebhookEvent `json:"event"`
}

// SerialPayload is implemented by payloads whose jobs must run one at
// a time per key, in enqueue order.
type SerialPayload interface {
	SerialKey() string
}

// SerialKey serializes deliveries per instance so each webhook URL
// sees an instance's events in the order they happened.
func (p SendWebhookPayload) SerialKey() string {
	if p.Event == nil {
		return ""
	}
	return "webhook/" + p.Event.InstanceID
}

func (CreateInstancePayload) jobPayload() {}
func (MonitorPayload) jobPayload()        {}
func (StartInstancePayload) jobPayload()  {}
func (MigratePayload) jobPayload()        {}
func (SendWebhookPayload) jobPayload()    {}

// Job is a unit of asynchronous work owned by the job engine.
// SerialKey, when set, forbids dispatch while an older job with the
// same key is still non-terminal. Sequence is the engine's monotonic
// enqueue counter.
type Job struct {
	ID          string      `json:"id"`
	Type        JobType     `json:"type"`
	Payload     JobPayload  `json:"-"`
	Status      JobStatus   `json:"status"`
	Priority    JobPriority `json:"priority"`
	SerialKey   string      `json:"serialKey,omitempty"`
	Sequence    uint64      `json:"-"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"maxAttempts"`
	CreatedAt   time.Time   `json:"createdAt"`
	ProcessedAt *time.Time  `json:"processedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	NextRetryAt *time.Time  `json:"nextRetryAt,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Availability of a product in a region
const (
	AvailabilityAvailable   = "available"
	AvailabilityLimited     = "limited"
	AvailabilityUnavailable = "unavailable"
)

// Product is a purchasable GPU offering in one region (read-only)
type Product struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Region        string  `json:"region"`
	SpotPrice     float64 `json:"spotPrice"`
	OnDemandPrice float64 `json:"onDemandPrice"`
	GPUType       string  `json:"gpuType"`
	GPUMemory     int     `json:"gpuMemory"`
	Availability  string  `json:"availability"`
}

// TemplatePort declares a port a template exposes
type TemplatePort struct {
	Port int      `json:"port"`
	Type PortType `json:"type"`
}

// EnvVar is an environment variable baked into a template
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Template is a reusable instance-creation blueprint (read-only)
type Template struct {
	ID        string          `json:"id"`
	ImageURL  string          `json:"imageUrl"`
	ImageAuth string          `json:"imageAuth,omitempty"`
	Ports     []*TemplatePort `json:"ports,omitempty"`
	Envs      []*EnvVar       `json:"envs,omitempty"`
}

// RegistryAuth holds credentials for pulling a private image
type RegistryAuth struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ProviderInstance is the provider's view of an instance
type ProviderInstance struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Status          string         `json:"status"`
	Region          string         `json:"region,omitempty"`
	PortMappings    []*PortMapping `json:"portMappings,omitempty"`
	SpotStatus      string         `json:"spotStatus,omitempty"`
	SpotReclaimTime int64          `json:"spotReclaimTime,omitempty"`
}

// Provider-reported instance statuses the workflows care about
const (
	ProviderStatusCreating   = "creating"
	ProviderStatusRunning    = "running"
	ProviderStatusExited     = "exited"
	ProviderStatusStopped    = "stopped"
	ProviderStatusTerminated = "terminated"
)

// CreateInstanceRequest is the client-facing request to create an instance
type CreateInstanceRequest struct {
	Name        string             `json:"name"`
	ProductName string             `json:"productName"`
	TemplateID  string             `json:"templateId"`
	Region      string             `json:"region,omitempty"`
	GPUNum      int                `json:"gpuNum,omitempty"`
	RootfsSize  int                `json:"rootfsSize,omitempty"`
	BillingMode BillingMode        `json:"billingMode,omitempty"`
	WebhookURL  string             `json:"webhookUrl,omitempty"`
	HealthCheck *HealthCheckConfig `json:"healthCheck,omitempty"`
}

// CreateInstanceSpec is what the provider needs to create an instance
type CreateInstanceSpec struct {
	Name        string      `json:"name"`
	ProductID   string      `json:"productId"`
	TemplateID  string      `json:"templateId"`
	Region      string      `json:"region"`
	GPUNum      int         `json:"gpuNum,omitempty"`
	RootfsSize  int         `json:"rootfsSize,omitempty"`
	BillingMode BillingMode `json:"billingMode,omitempty"`
	ImageAuthID string      `json:"imageAuthId,omitempty"`
}

// CreateInstanceResult is the provider's acknowledgement of a create
type CreateInstanceResult struct {
	ProviderInstanceID string `json:"id"`
	Status             string `json:"status"`
}

// Webhook event names
const (
	EventInstanceCreated    = "instance.created"
	EventInstanceReady      = "instance.ready"
	EventInstanceFailed     = "instance.failed"
	EventInstanceStopped    = "instance.stopped"
	EventInstanceTerminated = "instance.terminated"
	EventStartupPhase       = "instance.startup.phase"
	EventInstanceMigrated   = "instance.migrated"
)

// WebhookEvent is the payload POSTed to a client-supplied webhook URL
type WebhookEvent struct {
	Event              string         `json:"event"`
	InstanceID         string         `json:"instanceId"`
	Status             InstanceStatus `json:"status"`
	Timestamp          time.Time      `json:"timestamp"`
	OperationID        string         `json:"operationId,omitempty"`
	Phase              string         `json:"phase,omitempty"`
	OriginalInstanceID string         `json:"originalInstanceId,omitempty"`
	Reason             string         `json:"reason,omitempty"`
	Error              string         `json:"error,omitempty"`
}
