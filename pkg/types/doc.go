/*
Package types defines the wire data model shared by every lxmq component.

The root document is the Environment (user, course, instance); it is carried
verbatim through the create request, the instance-creation event and the
environment-creation event, each consumer enriching it along the way. All
data is tree shaped: Environment ⊃ Instance ⊃ Devices.

MessageHeaders is the typed view of the delivery header table (x-type,
x-user, x-source, x-application); ParseHeaders matches header names
case-insensitively because upstream publishers disagree on casing.
*/
package types
