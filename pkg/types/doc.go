/*
Package types defines pilotmgr's domain model: pilots, units, their
descriptions, and the per-pilot accounting record used by the
scheduler plug-ins.

These types are shared across pkg/scheduler, pkg/umgr, pkg/update and
pkg/fabric. Required fields (cores, uid) are typed directly; the
opaque, user-supplied portions of pilot/unit descriptions that the
core never interprets are carried in an Extensions bag: a caller may
stash scheduler hints or tracing metadata there without the core
needing to know their shape.
*/
package types
