package fingerprint

import (
	"context"
	"crypto/md5"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UnknownValue is the literal used in place of an attribute whose query failed
const UnknownValue = "unknown"

// Attribute is the result of a single hardware/OS query.
// The zero value is Unknown.
type Attribute struct {
	value string
	known bool
}

// Known wraps a successfully queried value. Empty values are treated as unknown.
func Known(value string) Attribute {
	value = strings.TrimSpace(value)
	if value == "" {
		return Unknown()
	}
	return Attribute{value: value, known: true}
}

// Unknown returns the attribute used when a query fails
func Unknown() Attribute {
	return Attribute{}
}

// FromQuery converts a (value, error) pair into an Attribute
func FromQuery(value string, err error) Attribute {
	if err != nil {
		return Unknown()
	}
	return Known(value)
}

// IsKnown reports whether the query produced a value
func (a Attribute) IsKnown() bool {
	return a.known
}

// String returns the value, or UnknownValue
func (a Attribute) String() string {
	if !a.known {
		return UnknownValue
	}
	return a.value
}

// Source is the capability the generator depends on. Implementations must
// never panic and must report failures as Unknown.
type Source interface {
	DiskID(ctx context.Context) Attribute
	Hostname(ctx context.Context) Attribute
	UserName(ctx context.Context) Attribute
	SystemType(ctx context.Context) Attribute
	CPUID(ctx context.Context) Attribute
	TotalPhysicalMemory(ctx context.Context) Attribute
}

// Fingerprint is the 128-bit machine identifier a license is bound to
type Fingerprint uuid.UUID

// UUID returns the fingerprint as a uuid.UUID
func (f Fingerprint) UUID() uuid.UUID {
	return uuid.UUID(f)
}

// String returns the canonical GUID text form
func (f Fingerprint) String() string {
	return uuid.UUID(f).String()
}

// Component names, in the order they are hashed
const (
	ComponentDisk     = "disk_id"
	ComponentHostname = "hostname"
	ComponentUser     = "user_name"
	ComponentSystem   = "system_type"
	ComponentCPU      = "cpu_id"
	ComponentMemory   = "total_physical_memory"
)

// Generator derives a Fingerprint from a Source. It keeps no cache and is
// safe for concurrent use.
type Generator struct {
	source Source
	logger *slog.Logger
}

// NewGenerator creates a generator over the given source
func NewGenerator(source Source, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		source: source,
		logger: logger.With(slog.String("component", "fingerprint")),
	}
}

// Generate computes the fingerprint. It never fails: every attribute the
// source cannot resolve contributes UnknownValue.
func (g *Generator) Generate(ctx context.Context) Fingerprint {
	start := time.Now()
	attrs := g.collect(ctx)

	var sb strings.Builder
	for _, a := range attrs {
		sb.WriteString(a.attr.String())
	}
	sum := md5.Sum([]byte(sb.String()))
	fp := Fingerprint(fromGUIDBytes(sum))

	unknown := 0
	for _, a := range attrs {
		if !a.attr.IsKnown() {
			unknown++
		}
	}
	g.logger.DebugContext(ctx, "device fingerprint generated",
		slog.String("fingerprint", fp.String()),
		slog.Int("unknown_components", unknown),
		slog.Duration("generation_time", time.Since(start)),
	)
	return fp
}

// Components returns the individual attribute values keyed by component name
func (g *Generator) Components(ctx context.Context) map[string]string {
	attrs := g.collect(ctx)
	components := make(map[string]string, len(attrs))
	for _, a := range attrs {
		components[a.name] = a.attr.String()
	}
	return components
}

type namedAttribute struct {
	name string
	attr Attribute
}

// collect queries the source in the fixed hashing order
func (g *Generator) collect(ctx context.Context) []namedAttribute {
	return []namedAttribute{
		{ComponentDisk, g.query(ctx, ComponentDisk, g.source.DiskID)},
		{ComponentHostname, g.query(ctx, ComponentHostname, g.source.Hostname)},
		{ComponentUser, g.query(ctx, ComponentUser, g.source.UserName)},
		{ComponentSystem, g.query(ctx, ComponentSystem, g.source.SystemType)},
		{ComponentCPU, g.query(ctx, ComponentCPU, g.source.CPUID)},
		{ComponentMemory, g.query(ctx, ComponentMemory, g.source.TotalPhysicalMemory)},
	}
}

// query runs one source method, turning a panic into Unknown
func (g *Generator) query(ctx context.Context, name string, fn func(context.Context) Attribute) (attr Attribute) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.WarnContext(ctx, "fingerprint query panicked, using fallback",
				slog.String("component_name", name),
				slog.Any("panic", r),
			)
			attr = Unknown()
		}
	}()
	attr = fn(ctx)
	if !attr.IsKnown() {
		g.logger.DebugContext(ctx, "fingerprint component unavailable, using fallback",
			slog.String("component_name", name))
	}
	return attr
}
