/*
Package host defines the container-host driver interface the pipelines
are written against and the instance projection they read back. Two
implementations ship here: LXCDriver, which drives an LXD-compatible
host through the lxc client binary, and FakeDriver, an in-memory fake
with failure injection used throughout the tests. Everything treats the
host as a blocking capability that creates, inspects and mutates named
instances.
*/
package host
