// Package rpc implements the gRPC front end of the validator: miners request challenges
// and submit solutions, the task scheduler queries the miners' eligibility.
package rpc
