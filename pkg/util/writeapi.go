package util

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/influxdata/influxdb-client-go/api/write"
)

var (
	_ api.WriteAPI = (*DiscardWriteAPI)(nil)
	_ api.WriteAPI = (*RecordingWriteAPI)(nil)
)

// DiscardWriteAPI drops every point. Servers use it when no InfluxDB is
// configured.
type DiscardWriteAPI struct{}

func (d *DiscardWriteAPI) WriteRecord(line string)       {}
func (d *DiscardWriteAPI) WritePoint(point *write.Point) {}
func (d *DiscardWriteAPI) Flush()                        {}
func (d *DiscardWriteAPI) Close()                        {}
func (d *DiscardWriteAPI) Errors() <-chan error          { return nil }

// RecordingWriteAPI keeps the points written to it.
type RecordingWriteAPI struct {
	mu     sync.Mutex
	points []*write.Point
	lines  []string
}

func (r *RecordingWriteAPI) WriteRecord(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

func (r *RecordingWriteAPI) WritePoint(point *write.Point) {
	r.mu.Lock()
	r.points = append(r.points, point)
	r.mu.Unlock()
}

func (r *RecordingWriteAPI) Flush()               {}
func (r *RecordingWriteAPI) Close()               {}
func (r *RecordingWriteAPI) Errors() <-chan error { return nil }

// Points returns the points with the given measurement name, in write order.
func (r *RecordingWriteAPI) Points(name string) []*write.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*write.Point
	for _, p := range r.points {
		if p.Name() == name {
			out = append(out, p)
		}
	}
	return out
}

// Tag returns the value of tag key on p, or "".
func Tag(p *write.Point, key string) string {
	for _, t := range p.TagList() {
		if t.Key == key {
			return t.Value
		}
	}
	return ""
}
