/*
Package metrics exposes Prometheus instrumentation for the storage and
notification core: WAL throughput, memtable occupancy, SSTable/compaction
counts, conversion batch outcomes, notification drop rates, and snapshot
peek latency. Handler() serves /metrics; HealthHandler/ReadyHandler/
LivenessHandler serve the corresponding HTTP probes, modeled after the
three-tier liveness/readiness/health split used for container-platform
deployments.
*/
package metrics
