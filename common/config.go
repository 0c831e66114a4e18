// Copyright © Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import "time"

// Config holds every recognized supervisor option. It is populated by viper
// in cmd/marlin-supervisord and passed down by value/pointer to the packages
// that need it; nothing in common, mds, job or supervisor reads viper
// directly.
type Config struct {
	// UUID is this supervisor's stable identity, used in every conditional
	// write (assignJob, heartbeat).
	UUID string `mapstructure:"uuid"`

	FindInterval   time.Duration `mapstructure:"findInterval"`
	TickInterval   time.Duration `mapstructure:"tickInterval"`
	GatewayTimeout time.Duration `mapstructure:"gatewayTimeout"`

	JobsBucket       string `mapstructure:"jobsBucket"`
	TaskGroupsBucket string `mapstructure:"taskGroupsBucket"`
	LocationsPrefix  string `mapstructure:"locationsPrefix"`

	// StalenessThreshold is how long a job record's mtime may go
	// unrefreshed before findUnassignedJobs treats it as abandoned.
	StalenessThreshold time.Duration `mapstructure:"stalenessThreshold"`

	// MaxOwnedJobs bounds the number of jobs one supervisor will accept
	// from discovery; events beyond the cap are dropped.
	MaxOwnedJobs int `mapstructure:"maxOwnedJobs"`

	// RetryBudget bounds consecutive per-phase planner retries before a
	// job is surfaced as job-fatal.
	RetryBudget int `mapstructure:"retryBudget"`

	Consul ConsulConfig `mapstructure:"consul"`
	HTTP   HTTPConfig   `mapstructure:"http"`

	LogLevel string `mapstructure:"logLevel"`
}

// ConsulConfig configures the Consul client backing the MDS Gateway.
type ConsulConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	Datacenter string `mapstructure:"datacenter"`
}

// HTTPConfig configures the introspection and metrics listeners.
type HTTPConfig struct {
	IntrospectAddr string `mapstructure:"introspectAddr"`
	MetricsAddr    string `mapstructure:"metricsAddr"`
}

// DefaultConfig returns the documented defaults for every option.
func DefaultConfig() Config {
	return Config{
		FindInterval:       5 * time.Second,
		TickInterval:       1 * time.Second,
		GatewayTimeout:     10 * time.Second,
		JobsBucket:         "marlinJobs",
		TaskGroupsBucket:   "marlinTaskGroups",
		LocationsPrefix:    "marlinLocations",
		StalenessThreshold: 30 * time.Second,
		MaxOwnedJobs:       10000,
		RetryBudget:        5,
		HTTP: HTTPConfig{
			IntrospectAddr: "127.0.0.1:8619",
			MetricsAddr:    "127.0.0.1:8620",
		},
		LogLevel: "info",
	}
}
