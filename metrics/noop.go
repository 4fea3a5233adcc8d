package metrics

import "time"

type noopClient struct{}

func NewNoopClient() Client {
	return &noopClient{}
}

var _ Client = (*noopClient)(nil)

func (*noopClient) Counter(name string, tags Tags, value int64) {
}

func (*noopClient) Distribution(name string, tags Tags, value float64) {
}

func (*noopClient) Gauge(name string, tags Tags, value int64) {
}

func (*noopClient) Timing(name string, tags Tags, duration time.Duration) {
}

func (nc *noopClient) WithTags(tags Tags) Client {
	return nc
}
