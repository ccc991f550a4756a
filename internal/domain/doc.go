// Package domain contains the core business concepts for the diagram export service.
// Keep this package free of transport (HTTP) and infrastructure (Chrome/Redis) concerns.
package domain
