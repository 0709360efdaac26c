package relaycache

// mergeSnapshots overlays remote on local field by field. Remote non-null values win, nested
// objects merge recursively and local values fill whatever remote leaves unset.
func mergeSnapshots(local, remote Snapshot) Snapshot {
	out := local.Clone()
	if out == nil {
		out = Snapshot{}
	}
	for key, remoteValue := range remote {
		if remoteValue == nil {
			continue
		}
		remoteMap, remoteIsMap := asObject(remoteValue)
		localMap, localIsMap := asObject(out[key])
		if remoteIsMap && localIsMap {
			out[key] = map[string]any(mergeSnapshots(localMap, remoteMap))
			continue
		}
		out[key] = cloneValue(remoteValue)
	}
	return out
}

func asObject(v any) (Snapshot, bool) {
	switch typed := v.(type) {
	case Snapshot:
		return typed, true
	case map[string]any:
		return Snapshot(typed), true
	default:
		return nil, false
	}
}
