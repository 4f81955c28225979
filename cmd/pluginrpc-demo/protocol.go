package main

// EchoParams is the payload of the demo "Echo" method.
type EchoParams struct {
	Text string `json:"Text"`
}

// EchoResult is the payload of a successful "Echo" response.
type EchoResult struct {
	Text string `json:"Text"`
}

// CountParams asks the plugin to count up to N, reporting progress along
// the way — used to exercise IntermediateResultResponse/ProgressResponse.
type CountParams struct {
	N int `json:"N"`
}

// CountResult is the final tally returned once counting completes.
type CountResult struct {
	Total int `json:"Total"`
}
