package kubernetes

// Config locates the cluster that hosts detector pods.
type Config struct {
	// Namespace receives every detector pod.
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	// KubeConfig is used outside the cluster. Empty means the default
	// location under the user's home directory.
	KubeConfig string `yaml:"kubeconfig" mapstructure:"kubeconfig"`
}
