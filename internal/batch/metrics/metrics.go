package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/querybatch/querybatch/internal/batch/repository"
)

const MetricPrefix = "querybatch_"

func ExposeBatchMetrics(
	queueRepository repository.QueueRepository,
	jobRepository repository.JobRepository,
) *BatchInfoCollector {
	collector := &BatchInfoCollector{
		queueRepository,
		jobRepository}
	prometheus.MustRegister(collector)
	return collector
}

type BatchInfoCollector struct {
	queueRepository repository.QueueRepository
	jobRepository   repository.JobRepository
}

var queueSizeDesc = prometheus.NewDesc(
	MetricPrefix+"queue_size",
	"Number of queued jobs of a user",
	[]string{"user"},
	nil,
)

var workInProgressDesc = prometheus.NewDesc(
	MetricPrefix+"work_in_progress_jobs",
	"Number of jobs currently being executed for a user",
	[]string{"user"},
	nil,
)

func (c *BatchInfoCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- queueSizeDesc
	desc <- workInProgressDesc
}

func (c *BatchInfoCollector) Collect(metrics chan<- prometheus.Metric) {
	users, err := c.queueRepository.Queues()
	if err != nil {
		log.Errorf("Error while getting queue metrics %s", err)
		recordInvalidMetrics(metrics, err)
		return
	}
	for _, user := range users {
		size, err := c.queueRepository.Size(user)
		if err != nil {
			log.Errorf("Error while getting queue size for user %s: %s", user, err)
			continue
		}
		metrics <- prometheus.MustNewConstMetric(queueSizeDesc, prometheus.GaugeValue, float64(size), user)
	}

	workInProgress, err := c.jobRepository.ListWorkInProgressJobs()
	if err != nil {
		log.Errorf("Error while getting work-in-progress metrics %s", err)
		recordInvalidMetrics(metrics, err)
		return
	}
	for user, jobIDs := range workInProgress {
		metrics <- prometheus.MustNewConstMetric(workInProgressDesc, prometheus.GaugeValue, float64(len(jobIDs)), user)
	}
}

func recordInvalidMetrics(metrics chan<- prometheus.Metric, e error) {
	metrics <- prometheus.NewInvalidMetric(queueSizeDesc, e)
	metrics <- prometheus.NewInvalidMetric(workInProgressDesc, e)
}
