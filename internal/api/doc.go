// Package api is the network edge of the iotgo core.
//
// It serves:
//   - the websocket endpoint where devices and apps speak the device command
//     protocol (one connection handler per socket)
//   - POST /api/http for devices that send single requests over HTTP
//   - the device management REST endpoints for app accounts
//   - GET /api/health
//
// Devices authenticate a websocket with the apikey and deviceid query
// parameters. Apps authenticate with a bearer token, either as the jwt query
// parameter or in the Authorization header.
//
//	srv, err := api.New(deps)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Close()
package api
