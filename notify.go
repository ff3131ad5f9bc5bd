package cdnupload

// Notifier reports the outcome of a finished run to an external channel.
// Implementations decide which results are worth reporting.
type Notifier interface {
	NotifyResult(action string, source Source, dest Destination, result *Result) error
}
