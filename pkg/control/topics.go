package control

// Topics names the broker topics of one forecaster.
type Topics struct {
	// Prefix is the namespace every topic lives under, e.g. "eu.nebulouscloud".
	Prefix string
	// Forecaster identifies this predictor, e.g. "exponentialsmoothing".
	Forecaster string
	// Preliminary publishes results on per-forecaster preliminary topics instead of
	// the shared monitoring topics.
	Preliminary bool
}

// Start is the topic carrying start commands.
func (t Topics) Start() string {
	return t.Prefix + ".forecasting.start_forecasting." + t.Forecaster
}

// Stop is the topic carrying stop commands.
func (t Topics) Stop() string {
	return t.Prefix + ".forecasting.stop_forecasting." + t.Forecaster
}

// State is the topic component state changes are announced on.
func (t Topics) State() string {
	return t.Prefix + ".state." + t.Forecaster
}

// Result is the topic predictions for metric are published to.
func (t Topics) Result(metric string) string {
	if t.Preliminary {
		return t.Prefix + ".preliminary_predicted." + t.Forecaster + "." + metric
	}
	return t.Prefix + ".monitoring.predicted." + metric
}

// Control returns the topics to subscribe to for commands.
func (t Topics) Control() []string {
	return []string{t.Start(), t.Stop()}
}
