// Package receiver implements the ingestion endpoints the agent reports to:
//
//	POST /api/v1/errors/report       : one wire payload
//	POST /api/v1/errors/report/batch : {timestamp, count, errors[]}
//
// Each payload must carry a type and a message. An attached
// metadata.replay snapshot is decoded (gzip+base64 or inline events) and
// stored next to the record; a snapshot that cannot be decoded rejects the
// request with 400. Authentication is enforced upstream by the auth
// middleware, so the receiver only performs structural validation.
package receiver
