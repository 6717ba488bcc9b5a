// Package httpapi exposes the engine as JSON endpoints on a gorilla/mux
// router. Every response is an envelope:
//
//	{"statusCode":429,"message":"...","success":false,"timestamp":"...","data":{"waitTimeMs":45000}}
package httpapi
