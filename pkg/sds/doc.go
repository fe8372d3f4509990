/*
Package sds resolves messaging endpoints from the Spine Directory Service.

Lookups are keyed by service-qualified interaction id ("SvcIA"), owning
organisation, and optionally ASID or party key. Results come from a local
on-disk JSON cache when possible, falling back to LDAP queries against the
directory, with everything read from LDAP written through to the cache.

The package also maintains a URL override table, working around a design
error in the directory: the endpoint URL attribute sometimes points at the
actual endpoint for sending a message and sometimes does not, and you just
have to know which ones. The override file is environment-specific.
*/
package sds
