package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type BatchConfig struct {
	MetricsPort uint16

	Redis redis.UniversalOptions

	Lock       LockConfig
	Scheduling SchedulingConfig
	Jobs       JobsConfig
	Databases  DatabasesConfig
}

type LockConfig struct {
	// Endpoints of the quorum lock. When empty the main redis endpoint is
	// used as a single-node lock.
	Endpoints []string
	TTL       time.Duration
}

type SchedulingConfig struct {
	// CapacityStrategy is one of fixed, http-simple or http-load.
	CapacityStrategy string
	FixedCapacity    int
	// CapacityEndpointTemplate is expanded with the host name, e.g.
	// "http://%s:9999/load".
	CapacityEndpointTemplate string
	RescanInterval           time.Duration
}

type JobsConfig struct {
	MaxQueuedJobsPerUser int64
	// Retention is how long finished job records are kept before the store
	// reaps them.
	Retention        time.Duration
	ExecutionTimeout time.Duration
}

type DatabaseConnection struct {
	Host   string
	Port   string
	DBName string
	DBUser string
	Pass   string
}

type DatabasesConfig struct {
	Default DatabaseConnection
	Users   map[string]DatabaseConnection
}
