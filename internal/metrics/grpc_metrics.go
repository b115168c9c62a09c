package metrics

import (
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

// NewGRPCServerMetrics возвращает интерсепторы go-grpc-prometheus, зарегистрированные
// в registerer. Повторный вызов отдаёт уже зарегистрированный набор.
func NewGRPCServerMetrics(registerer prometheus.Registerer) *promgrpc.ServerMetrics {
	return register(registerer, promgrpc.NewServerMetrics())
}
