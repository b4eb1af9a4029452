// Package logging builds the structured slog logger shared by every iotgo
// component.
//
// Records carry service and version fields, and components add their own
// name with Component:
//
//	log := logging.New(cfg.Logging, version)
//	registry.SetLogger(log.Component("registry"))
//
// Format is json (default) or text; output is stdout (default) or stderr.
//
// Values logged under apikey, token, jwt or secret are cut down to a
// four-character hint. The deviceid is the identity to log; it carries no
// authority on its own.
package logging
