// Package influxdb records fleet telemetry in InfluxDB.
//
// The client is an info pack sink: every instance state transition becomes
// an instance_state point and every alert an instance_alert point, both
// tagged with the instance and platform names. Writes go through the
// non-blocking write API and are batched per the influxdb section of the
// configuration; asynchronous write failures are reported through SetOnError.
//
// Attribute values are not recorded here.
package influxdb
