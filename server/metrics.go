//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// metrics holds the server's own registry so tests can run multiple
// servers in one process.
type metrics struct {
	registry         *prometheus.Registry
	uploads          prometheus.Counter
	analyses         *prometheus.CounterVec
	analysisDuration prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datalab_uploaded_files_total",
			Help: "Files admitted into the staging area.",
		}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datalab_analyses_total",
			Help: "Analysis rounds by outcome status.",
		}, []string{"status"}),
		analysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datalab_analysis_duration_seconds",
			Help:    "Wall time of completed analysis rounds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.uploads,
		m.analyses,
		m.analysisDuration,
	)
	return m
}
