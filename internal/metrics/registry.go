package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// latencyBuckets покрывают операции от миллисекунды до пяти секунд.
var latencyBuckets = prometheus.ExponentialBucketsRange(0.001, 5, 12)

// register регистрирует коллектор или возвращает уже зарегистрированный с тем же
// описанием, чтобы конструкторы метрик можно было вызывать повторно.
// nil registerer означает prometheus.DefaultRegisterer.
func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	err := registerer.Register(collector)
	if err == nil {
		return collector
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(C); ok {
			return existing
		}
		err = fmt.Errorf("registered with a different type %T", already.ExistingCollector)
	}
	panic(fmt.Sprintf("metrics: register %T: %v", collector, err))
}
