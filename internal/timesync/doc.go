// Package timesync converts offsets measured from system boot into
// wall-clock times, using btime from /proc/stat.
package timesync
