/*
Package config loads the lxmq daemon configuration from a YAML file on top
of package defaults. The configuration is passed explicitly into the
constructors that need it; there is no process-wide settings object.
*/
package config
