// Package cas implements the content-addressed build cache: a 128-bit Key,
// a TCP server speaking a memcached style text protocol, and a client that
// splits large values into fixed-size blocks.
//
// Requests are single CRLF terminated lines:
//
//	get <key>:<block> [<key>:<block> ...]
//	set <key>:<block> <flags> <exptime> <bytes> [noreply]\r\n<payload>\r\n
//	delete <key>:<block> [noreply]
//	quit
//
// A get is answered with one "VALUE <key>:<block> <flags> <bytes>" line plus
// payload per hit, terminated by "END". A set is answered with "STORED" or
// an error token (ERROR, CLIENT_ERROR <msg>, SERVER_ERROR <msg>).
//
// The client stores a value of n blocks under block indices 0..n-1 of the
// same key and records n in every block's flags field.
package cas
