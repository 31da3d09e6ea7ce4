package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors shared by the function and scsi
// packages. A nil *Metrics is valid and every method becomes a no-op, so
// wiring metrics in is opt-in for callers that do not supply a registerer.
type Metrics struct {
	CommandsTotal  *prometheus.CounterVec
	CSWStatusTotal *prometheus.CounterVec
	BytesRead      prometheus.Counter
	BytesWritten   prometheus.Counter
}

// NewMetrics creates and registers the metric collectors on reg.
// Pass a dedicated *prometheus.Registry, or prometheus.DefaultRegisterer to
// expose them on the process-wide /metrics endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evilmsc",
			Name:      "scsi_commands_total",
			Help:      "SCSI commands dispatched, by opcode.",
		}, []string{"opcode"}),
		CSWStatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evilmsc",
			Name:      "csw_status_total",
			Help:      "Command Status Wrapper statuses returned, by status.",
		}, []string{"status"}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evilmsc",
			Name:      "block_bytes_read_total",
			Help:      "Bytes read from backing block images.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evilmsc",
			Name:      "block_bytes_written_total",
			Help:      "Bytes written to backing block images.",
		}),
	}
	reg.MustRegister(m.CommandsTotal, m.CSWStatusTotal, m.BytesRead, m.BytesWritten)
	return m
}

// ObserveCommand records a dispatched SCSI opcode. Safe to call on a nil *Metrics.
func (m *Metrics) ObserveCommand(opcode byte) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(opcodeLabel(opcode)).Inc()
}

// ObserveStatus records a returned CSW status. Safe to call on a nil *Metrics.
func (m *Metrics) ObserveStatus(status byte) {
	if m == nil {
		return
	}
	m.CSWStatusTotal.WithLabelValues(statusLabel(status)).Inc()
}

// ObserveRead records bytes read from a block image. Safe to call on a nil *Metrics.
func (m *Metrics) ObserveRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRead.Add(float64(n))
}

// ObserveWrite records bytes written to a block image. Safe to call on a nil *Metrics.
func (m *Metrics) ObserveWrite(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWritten.Add(float64(n))
}

func opcodeLabel(opcode byte) string {
	switch opcode {
	case 0x00:
		return "test_unit_ready"
	case 0x03:
		return "request_sense"
	case 0x12:
		return "inquiry"
	case 0x1a:
		return "mode_sense_6"
	case 0x25:
		return "read_capacity_10"
	case 0x28:
		return "read_10"
	case 0x2a:
		return "write_10"
	default:
		return "unknown"
	}
}

func statusLabel(status byte) string {
	switch status {
	case 0x00:
		return "good"
	case 0x01:
		return "failed"
	case 0x02:
		return "phase_error"
	default:
		return "unknown"
	}
}
