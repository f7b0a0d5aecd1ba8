package replication

import "github.com/dreamware/replicator/internal/cluster"

// mergeResponses picks the single response that represents the cluster.
//
// Any failing response outranks every successful one; among failures the
// first in node order wins. When every node succeeded, the first node's
// response is the representative. Failed calls carry status 500 and count as
// failures. responses must hold an entry for each node.
func mergeResponses(nodes []cluster.NodeIdentifier, responses map[string]*NodeResponse) *NodeResponse {
	var representative *NodeResponse
	for _, node := range nodes {
		resp := responses[node.ID]
		if resp == nil {
			continue
		}
		if !resp.IsSuccess() {
			return resp
		}
		if representative == nil {
			representative = resp
		}
	}
	return representative
}
