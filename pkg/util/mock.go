package util

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/api/write"
)

// MockWriteAPI discards everything written to it. It stands in for an
// InfluxDB write API when no database is configured.
type MockWriteAPI struct{}

func (m *MockWriteAPI) WriteRecord(line string)      {}
func (m *MockWriteAPI) WritePoint(point *write.Point) {}
func (m *MockWriteAPI) Flush()                        {}
func (m *MockWriteAPI) Close()                        {}
func (m *MockWriteAPI) Errors() <-chan error          { return nil }

// RecordingWriteAPI keeps every point written to it, for inspection in tests
// and by the status server.
type RecordingWriteAPI struct {
	mu     sync.Mutex
	points []*write.Point
	notify Notifier
}

func (r *RecordingWriteAPI) WriteRecord(line string) {}

func (r *RecordingWriteAPI) WritePoint(point *write.Point) {
	r.mu.Lock()
	r.points = append(r.points, point)
	r.mu.Unlock()
	r.notify.Broadcast()
}

func (r *RecordingWriteAPI) Flush()               {}
func (r *RecordingWriteAPI) Close()               {}
func (r *RecordingWriteAPI) Errors() <-chan error { return nil }

// Points returns the recorded points with the given measurement name, or all
// of them when name is empty.
func (r *RecordingWriteAPI) Points(name string) []*write.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*write.Point
	for _, p := range r.points {
		if name == "" || p.Name() == name {
			out = append(out, p)
		}
	}
	return out
}

// Updated is signalled after every WritePoint.
func (r *RecordingWriteAPI) Updated() <-chan struct{} {
	return r.notify.C()
}
