/*
Package metrics exposes Prometheus metrics for the bus adapter, the port
allocator and the create pipeline. Collectors are package-level; call
Register once at startup and serve Handler on the metrics address.
*/
package metrics
