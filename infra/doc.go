// Package infra holds the adapters around the dispatch core: data providers
// for InfluxDB, price APIs and MQTT telemetry, the MILP backend, result
// sinks and exporters. They depend on core packages, never the reverse.
package infra
