/*
Package proxy publishes simple environments behind the HTTPS reverse
proxy. It consumes instance-creation events, fills the environment's
service routes, renders and installs an Apache vhost for the instance's
tcp proxy devices, reloads the proxy, and re-publishes the enriched
document as an environment-creation event for the recorder.
*/
package proxy
