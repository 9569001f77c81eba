package cerver

import (
	"io"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/olekukonko/tablewriter"
)

// PacketStats are the counters kept per connection, per client and per
// cerver. All fields are atomics; read them with Load.
type PacketStats struct {
	PacketsReceived atomic.Uint64
	PacketsSent     atomic.Uint64
	BytesReceived   atomic.Uint64
	BytesSent       atomic.Uint64
	BadPackets      atomic.Uint64
}

// CerverStats aggregates a plane's lifetime counters.
type CerverStats struct {
	PacketStats

	// ConnectionsAccepted counts every accepted TCP connection.
	ConnectionsAccepted atomic.Uint64

	// ConnectionsClosed counts every dropped connection.
	ConnectionsClosed atomic.Uint64

	// ClientsRegistered counts every client that ever entered the
	// registry.
	ClientsRegistered atomic.Uint64

	// AuthFailures counts rejected authentication attempts.
	AuthFailures atomic.Uint64
}

// StatsPrint renders the cerver's counters as a table on stdout. With
// includeClients, a second table lists every registered client. The
// admin plane, when enabled, gets its own table.
func (c *Cerver) StatsPrint(includeClients, includeAdmin bool) {
	c.StatsWrite(os.Stdout, includeClients, includeAdmin)
}

// StatsWrite renders the counters to an arbitrary writer.
func (c *Cerver) StatsWrite(w io.Writer, includeClients, includeAdmin bool) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Cerver", "Value"})

	table.Append([]string{"name", c.cfg.Name})
	table.Append([]string{"uptime", time.Since(c.created).Truncate(time.Second).String()})
	table.Append([]string{"clients", strconv.Itoa(c.ClientCount())})
	table.Append([]string{"watched fds", strconv.Itoa(c.CurrentNFds())})
	table.Append([]string{"connections accepted", u64(c.stats.ConnectionsAccepted.Load())})
	table.Append([]string{"connections closed", u64(c.stats.ConnectionsClosed.Load())})
	table.Append([]string{"packets received", u64(c.stats.PacketsReceived.Load())})
	table.Append([]string{"packets sent", u64(c.stats.PacketsSent.Load())})
	table.Append([]string{"bytes received", u64(c.stats.BytesReceived.Load())})
	table.Append([]string{"bytes sent", u64(c.stats.BytesSent.Load())})
	table.Append([]string{"bad packets", u64(c.stats.BadPackets.Load())})
	table.Append([]string{"auth failures", u64(c.stats.AuthFailures.Load())})
	table.Render()

	if includeClients {
		c.statsWriteClients(w)
	}

	if includeAdmin && c.admin != nil {
		c.admin.statsWrite(w)
	}
}

func (c *Cerver) statsWriteClients(w io.Writer) {
	c.clientsMu.Lock()
	type row struct {
		id          uint64
		conns       int
		received    uint64
		sent        uint64
		connectedAt time.Time
	}
	rows := make([]row, 0, len(c.clients))
	for _, cl := range c.clients {
		rows = append(rows, row{
			id:          cl.ID,
			conns:       len(cl.connections),
			received:    cl.stats.PacketsReceived.Load(),
			sent:        cl.stats.PacketsSent.Load(),
			connectedAt: cl.connectedAt,
		})
	}
	c.clientsMu.Unlock()

	if len(rows) == 0 {
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Client", "Conns", "Received", "Sent", "Connected"})
	for _, r := range rows {
		table.Append([]string{
			strconv.FormatUint(r.id, 10),
			strconv.Itoa(r.conns),
			u64(r.received),
			u64(r.sent),
			r.connectedAt.Format(time.TimeOnly),
		})
	}
	table.Render()
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}
