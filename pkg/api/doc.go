// Package api provides the HTTP surface of the service: subscription
// lifecycle and feature gating endpoints, the analytics event schema
// registry, and the rendered schema documentation.
package api
