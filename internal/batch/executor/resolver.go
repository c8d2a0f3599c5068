package executor

import (
	"github.com/pkg/errors"

	"github.com/querybatch/querybatch/internal/batch/job"
)

// ConnectionResolver maps a username to the physical database coordinates
// their jobs run against.
type ConnectionResolver interface {
	Resolve(user string) (job.ConnectionParams, error)
}

// StaticResolver resolves users from configuration: per-user overrides on
// top of defaults, with the database user defaulting to the tenant name.
type StaticResolver struct {
	defaults job.ConnectionParams
	users    map[string]job.ConnectionParams
}

func NewStaticResolver(defaults job.ConnectionParams, users map[string]job.ConnectionParams) *StaticResolver {
	return &StaticResolver{defaults: defaults, users: users}
}

func (r *StaticResolver) Resolve(user string) (job.ConnectionParams, error) {
	params, ok := r.users[user]
	if !ok {
		params = r.defaults
	}
	if params.DBUser == "" {
		params.DBUser = user
	}
	if params.Host == "" {
		return job.ConnectionParams{}, errors.Errorf("no database host configured for user %q", user)
	}
	if params.Port == "" {
		params.Port = "5432"
	}
	if params.DBName == "" {
		params.DBName = user
	}
	return params, nil
}
