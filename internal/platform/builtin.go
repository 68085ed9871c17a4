package platform

// Builtin registers the descriptors that ship with the daemon. These
// cover direct file URLs by extension; service-backed platforms are
// loaded from the descriptor file so endpoint lists can change without
// a rebuild.
func Builtin(r *Registry) error {
	descriptors := []*Descriptor{
		{
			ID: "httpfile",
			Patterns: []URLPattern{
				{Pattern: `(?i)\.(mp4|mkv|webm|mov|avi)(\?.*)?$`, ContentType: ContentVideo},
				{Pattern: `(?i)\.(mp3|m4a|flac|ogg|wav)(\?.*)?$`, ContentType: ContentAudio},
				{Pattern: `(?i)\.(jpe?g|png|gif|webp|svg)(\?.*)?$`, ContentType: ContentImage},
				{Pattern: `(?i)\.(pdf|epub|zip|tar\.gz|iso)(\?.*)?$`, ContentType: ContentDocument},
			},
			Endpoints: []Endpoint{
				{Template: "", Rank: 0},
			},
		},
	}

	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
