package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"hwgw.ai/internal/game"
	"hwgw.ai/internal/persistence/indexdb"
	"hwgw.ai/internal/supervisor"
	"hwgw.ai/internal/transport/ws"
)

type statusSource interface {
	Status() supervisor.Status
}

type linkSource interface {
	Status() ws.ClientStatus
}

type indexSource interface {
	Stats() indexdb.Stats
}

func newStatusMux(sup statusSource, link linkSource, idx *indexdb.SQLiteIndex) *http.ServeMux {
	var is indexSource
	if idx != nil {
		is = idx
	}
	return statusMux(sup, link, is)
}

func statusMux(sup statusSource, link linkSource, idx indexSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		if sup.Status().Halted() {
			http.Error(rw, "halted", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(rw http.ResponseWriter, r *http.Request) {
		resp := struct {
			Supervisor supervisor.Status `json:"supervisor"`
			Link       ws.ClientStatus   `json:"link"`
			Index      *indexdb.Stats    `json:"index,omitempty"`
		}{
			Supervisor: sup.Status(),
			Link:       link.Status(),
		}
		if idx != nil {
			st := idx.Stats()
			resp.Index = &st
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, sup.Status(), link.Status(), idx)
	})
	return mux
}

func writeMetrics(rw http.ResponseWriter, st supervisor.Status, link ws.ClientStatus, idx indexSource) {
	t := st.Target

	fmt.Fprintf(rw, "# HELP hwgw_mode Current mode (1 when batching, 0 when preparing).\n")
	fmt.Fprintf(rw, "# TYPE hwgw_mode gauge\n")
	fmt.Fprintf(rw, "hwgw_mode{target=%q} %d\n", t, b2i(st.Mode == game.ModeBatch))

	fmt.Fprintf(rw, "# HELP hwgw_halted Whether the loop stopped on a fatal condition.\n")
	fmt.Fprintf(rw, "# TYPE hwgw_halted gauge\n")
	fmt.Fprintf(rw, "hwgw_halted{target=%q} %d\n", t, b2i(st.Halted()))

	fmt.Fprintf(rw, "# HELP hwgw_events_total Control loop event counters.\n")
	fmt.Fprintf(rw, "# TYPE hwgw_events_total counter\n")
	for _, c := range []struct {
		name string
		v    uint64
	}{
		{"transition", st.Transitions},
		{"prep_round", st.PrepRounds},
		{"batch", st.Batches},
		{"healthy", st.Healthy},
		{"unhealthy", st.Unhealthy},
		{"degraded", st.Degraded},
		{"backoff", st.Backoffs},
		{"launch_failure", st.LaunchFailures},
		{"wait_timeout", st.WaitTimeouts},
	} {
		fmt.Fprintf(rw, "hwgw_events_total{target=%q,event=%q} %d\n", t, c.name, c.v)
	}

	fmt.Fprintf(rw, "# HELP hwgw_target_money_fraction Target money over max money.\n")
	fmt.Fprintf(rw, "# TYPE hwgw_target_money_fraction gauge\n")
	fmt.Fprintf(rw, "hwgw_target_money_fraction{target=%q} %.6f\n", t, st.Server.MoneyFraction())

	fmt.Fprintf(rw, "# HELP hwgw_target_security_gap Target security above its minimum.\n")
	fmt.Fprintf(rw, "# TYPE hwgw_target_security_gap gauge\n")
	fmt.Fprintf(rw, "hwgw_target_security_gap{target=%q} %.3f\n", t, st.Server.SecurityGap())

	fmt.Fprintf(rw, "# HELP hwgw_host_free_ram Free RAM on the executing host.\n")
	fmt.Fprintf(rw, "# TYPE hwgw_host_free_ram gauge\n")
	fmt.Fprintf(rw, "hwgw_host_free_ram{host=%q} %.2f\n", st.Host, st.FreeRAM)

	fmt.Fprintf(rw, "# HELP hwgw_link_connected Whether the host engine link is up.\n")
	fmt.Fprintf(rw, "# TYPE hwgw_link_connected gauge\n")
	fmt.Fprintf(rw, "hwgw_link_connected %d\n", b2i(link.Connected))

	if idx == nil {
		return
	}
	is := idx.Stats()
	fmt.Fprintf(rw, "# HELP hwgw_index_queue_depth Event index backlog.\n")
	fmt.Fprintf(rw, "# TYPE hwgw_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "hwgw_index_queue_depth %d\n", is.QueueDepth)
	fmt.Fprintf(rw, "# HELP hwgw_index_events_total Event index outcomes.\n")
	fmt.Fprintf(rw, "# TYPE hwgw_index_events_total counter\n")
	fmt.Fprintf(rw, "hwgw_index_events_total{result=%q} %d\n", "written", is.Written)
	fmt.Fprintf(rw, "hwgw_index_events_total{result=%q} %d\n", "dropped", is.Dropped)
	fmt.Fprintf(rw, "hwgw_index_events_total{result=%q} %d\n", "failed", is.Failed)
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
