package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentCreateTotal counts create-payment outcomes.
	PaymentCreateTotal *prometheus.CounterVec
	// PaymentVerifyTotal counts browser-return verification outcomes.
	PaymentVerifyTotal *prometheus.CounterVec
	// PaymentNotificationTotal counts webhook notification outcomes.
	PaymentNotificationTotal *prometheus.CounterVec
	// GatewayCodeUnknownTotal counts response codes missing from the denial
	// table, signalling the classification contract needs a refresh.
	GatewayCodeUnknownTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentCreateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_create_total",
			Help:      "Count of payment creation outcomes.",
		}, []string{"result"})
		PaymentVerifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_verify_total",
			Help:      "Count of browser-return verification outcomes.",
		}, []string{"result"})
		PaymentNotificationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_notification_total",
			Help:      "Count of processed gateway notifications by outcome.",
		}, []string{"result"})
		GatewayCodeUnknownTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_code_unknown_total",
			Help:      "Responses whose code is absent from the classification table.",
		})

		mustRegisterCollector(reg, PaymentCreateTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentCreateTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentVerifyTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentVerifyTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentNotificationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentNotificationTotal = v
			}
		})
		mustRegisterCollector(reg, GatewayCodeUnknownTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				GatewayCodeUnknownTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
