/*
Package instance implements the create and operate pipelines.

A create walks ten stages: authorize, assign id, resolve template, reserve
ports, render, create on the host, rewrite proxy listen addresses to the
node's configured address, run post-create commands, release the pending
port reservations, and return the enriched environment. Each stage is a
failure boundary: once ports are reserved every abort releases them, and a
failed host create also attempts to delete whatever partial instance the
host left behind. A failure after the instance exists leaves it in place
with a log entry; cleaning that up is an operator concern.

Operations are a closed set (restart, status), permission-checked against
the instance's stored owner or the configured admin set.
*/
package instance
