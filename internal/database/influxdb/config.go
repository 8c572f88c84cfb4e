package influxdb

// Config holds InfluxDB connection settings for the statistics sink.
type Config struct {
	URL      string
	Token    string
	Database string
}
