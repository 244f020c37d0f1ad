package services

import (
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
)

const (
	resourceRouter    = "router"
	resourceTransport = "transport"
	resourceProducer  = "producer"
	resourceConsumer  = "consumer"
)

type nopMetrics struct{}

func (nopMetrics) WorkerStarted()                              {}
func (nopMetrics) WorkerDied()                                 {}
func (nopMetrics) ResourceOpened(string)                       {}
func (nopMetrics) ResourceClosed(string)                       {}
func (nopMetrics) ViewerCount(domain.StreamID, int64)          {}
func (nopMetrics) SignalRequest(string, string, time.Duration) {}

func metricsOrNop(m ports.RelayMetrics) ports.RelayMetrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
