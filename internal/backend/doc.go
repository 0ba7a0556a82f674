// Package backend implements a development backend for PalPalette devices.
//
// It speaks the same protocol as the production backend so a device can be
// run end to end on a laptop:
//
//	POST /devices/register           HTTP registration (minimal or full)
//	GET  /ws                         session WebSocket
//	GET  /devices, /devices/{id}     device table
//	POST /devices/claim              claim by pairing code
//	POST /devices/{id}/claim         claim by id
//	POST /devices/{id}/palette       push a colorPalette
//	POST /devices/{id}/lighting      push a lightingSystemConfig
//	POST /devices/{id}/test          push testLightingSystem
//	POST /devices/{id}/factory-reset push factoryReset
//
// Sessions answer device pings with pongs and acknowledge deviceStatus. A
// device that was claimed while offline receives deviceClaimed when it next
// registers on the session.
//
// # Usage Example
//
//	srv, err := backend.New(&backend.Config{Port: 3001, APIPort: 3000})
//	if err != nil {
//	    return err
//	}
//	return srv.Start(ctx)
package backend
