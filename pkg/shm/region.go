package shm

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	internalshm "github.com/srediag/amp-ipc/internal/shm"
	"github.com/srediag/amp-ipc/pkg/layout"
)

const instrumentationName = "github.com/srediag/amp-ipc/pkg/shm"

// ErrClosed is returned when a closed region is used.
var ErrClosed = errors.New("shared memory region closed")

// Region is a mapped shared memory window.
type Region struct {
	mapped      *internalshm.MappedRegion
	layout      layout.Region
	mappedBytes metric.Int64UpDownCounter
}

// OpenOptions defines options for creating or opening a shared memory region.
type OpenOptions struct {
	// Name is the identifier for the shared memory region. Empty maps
	// process-local memory.
	Name string
	// Dir holds named regions, /dev/shm by default.
	Dir string
	// Base is the address both sides use in layout arithmetic.
	Base uint64
	// Size is the total region size in bytes.
	Size int
	// Create indicates whether to create (if not exists) or open existing.
	Create bool
	Meter  metric.Meter
	Tracer trace.Tracer
}

// Open creates or opens a shared memory region with the given options.
func Open(ctx context.Context, opts OpenOptions) (*Region, error) {
	if opts.Size <= 0 {
		return nil, errors.New("invalid region size")
	}
	if opts.Meter == nil {
		opts.Meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.GetTracerProvider().Tracer(instrumentationName)
	}
	ctx, span := opts.Tracer.Start(ctx, "shm.Open", trace.WithAttributes(
		attribute.String("shm.name", opts.Name),
		attribute.Int("shm.size", opts.Size),
		attribute.Bool("shm.create", opts.Create),
	))
	defer span.End()

	mapped, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:   opts.Name,
		Dir:    opts.Dir,
		Size:   opts.Size,
		Create: opts.Create,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	counter, err := opts.Meter.Int64UpDownCounter("ipc.shm.mapped_bytes",
		metric.WithDescription("Bytes of shared memory currently mapped"),
		metric.WithUnit("By"))
	if err != nil {
		_ = internalshm.UnmapRegion(ctx, mapped)
		return nil, fmt.Errorf("create mapped bytes counter: %w", err)
	}
	counter.Add(ctx, int64(opts.Size))
	return &Region{
		mapped:      mapped,
		layout:      layout.Region{Base: opts.Base, Size: uint64(opts.Size)},
		mappedBytes: counter,
	}, nil
}

// Layout returns the region as the planner sees it.
func (r *Region) Layout() layout.Region {
	return r.layout
}

// Bytes returns the whole mapping.
func (r *Region) Bytes() []byte {
	return r.mapped.Addr
}

// Path is the backing file, empty for process-local regions.
func (r *Region) Path() string {
	return r.mapped.Path
}

// Slot returns the memory of one planned instance.
func (r *Region) Slot(s layout.Slot) ([]byte, error) {
	mem := r.mapped.Addr
	if mem == nil {
		return nil, ErrClosed
	}
	if s.Base < r.layout.Base {
		return nil, fmt.Errorf("%s starts below region base 0x%x", s, r.layout.Base)
	}
	off := s.Base - r.layout.Base
	if off+s.Size > uint64(len(mem)) {
		return nil, fmt.Errorf("%s exceeds region of %d bytes", s, len(mem))
	}
	return mem[off : off+s.Size : off+s.Size], nil
}

// Close unmaps the region. The backing file is left in place for the peer.
func (r *Region) Close() error {
	if r.mapped.Addr == nil {
		return nil
	}
	ctx := context.Background()
	size := len(r.mapped.Addr)
	if err := internalshm.UnmapRegion(ctx, r.mapped); err != nil {
		return err
	}
	r.mappedBytes.Add(ctx, -int64(size))
	return nil
}
